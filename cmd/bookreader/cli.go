package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/bookreader/internal/api"
	"github.com/hpungsan/bookreader/internal/db"
	"github.com/hpungsan/bookreader/internal/errors"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/mcp"
	"github.com/hpungsan/bookreader/internal/ocrtext"
	"github.com/hpungsan/bookreader/internal/session"
	"github.com/hpungsan/bookreader/internal/transform"
	"github.com/hpungsan/bookreader/internal/web"
)

// maxStdinBytes bounds what filter reads from stdin.
const maxStdinBytes = 10 << 20

// defaultFrameWait is how long capture waits for the first preview frame.
const defaultFrameWait = 10 * time.Second

// newCLIApp creates the CLI application with all commands.
func newCLIApp(env *appEnv) *cli.App {
	app := &cli.App{
		Name:    "bookreader",
		Usage:   "Book page capture and OCR controller",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", Usage: "Data directory (default: ~/.bookreader)", EnvVars: []string{"BOOKREADER_HOME"}},
			&cli.StringFlag{Name: "server", Usage: "Backend base URL (overrides server_url)", EnvVars: []string{"BOOKREADER_SERVER"}},
			&cli.BoolFlag{Name: "verbose", Usage: "Log debug output to stderr"},
		},
		Before: func(c *cli.Context) error {
			if err := env.load(c.String("home"), c.String("server"), c.Bool("verbose")); err != nil {
				return outputError(err)
			}
			return nil
		},
		Writer:    env.stdout,
		ErrWriter: env.stderr,
		Commands: []*cli.Command{
			camerasCmd(env),
			setCameraCmd(env),
			resolutionCmd(env),
			captureCmd(env),
			transformCmd(env),
			filterCmd(env),
			resultsCmd(env),
			clearCmd(env),
			journalCmd(env),
			serveCmd(env),
			mcpCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// camerasCmd creates the cameras command.
func camerasCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "cameras",
		Usage: "List the backend's cameras",
		Action: func(c *cli.Context) error {
			client, err := env.apiClient()
			if err != nil {
				return outputError(err)
			}
			list, err := client.ListCameras(c.Context)
			if err != nil {
				return outputError(err)
			}
			return env.outputJSON(list)
		},
	}
}

// setCameraCmd creates the set-camera command.
func setCameraCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "set-camera",
		Usage:     "Switch the backend to another camera",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("camera id is required"))
			}
			id, err := strconv.Atoi(c.Args().First())
			if err != nil || id < 0 {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("invalid camera id: %q", c.Args().First())))
			}

			client, err := env.apiClient()
			if err != nil {
				return outputError(err)
			}
			resp, err := client.SetCamera(c.Context, id)
			if err != nil {
				return outputError(err)
			}
			return env.outputJSON(resp)
		},
	}
}

// resolutionCmd creates the resolution command.
func resolutionCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "resolution",
		Usage: "Change the capture resolution",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "width", Required: true, Usage: "Frame width in pixels"},
			&cli.IntFlag{Name: "height", Required: true, Usage: "Frame height in pixels"},
		},
		Action: func(c *cli.Context) error {
			client, err := env.apiClient()
			if err != nil {
				return outputError(err)
			}
			resp, err := client.SetResolution(c.Context, c.Int("width"), c.Int("height"))
			if err != nil {
				return outputError(err)
			}
			return env.outputJSON(resp)
		},
	}
}

// captureCmd creates the capture command.
func captureCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Open the preview stream, capture one frame and run OCR on it",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "camera", Aliases: []string{"c"}, Usage: "Camera id (default: camera_id from config)"},
			&cli.IntFlag{Name: "rotation", Aliases: []string{"r"}, Usage: "Rotation in degrees: 0, 90, 180, 270"},
			&cli.IntFlag{Name: "max-size", Usage: "Longest side of the submitted image"},
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "OCR prompt"},
			&cli.DurationFlag{Name: "wait", Value: defaultFrameWait, Usage: "How long to wait for the first frame"},
			&cli.BoolFlag{Name: "text", Usage: "Print only the filtered text"},
		},
		Action: func(c *cli.Context) error {
			cfg := *env.cfg
			if c.IsSet("camera") {
				cfg.CameraID = c.Int("camera")
			}
			if c.IsSet("rotation") {
				cfg.Rotation = c.Int("rotation")
			}
			if c.IsSet("max-size") {
				if c.Int("max-size") <= 0 {
					return outputError(errors.NewInvalidRequest("max-size must be positive"))
				}
				cfg.ModelMaxSize = c.Int("max-size")
			}
			if c.IsSet("prompt") {
				cfg.Prompt = c.String("prompt")
			}

			sess, err := env.newSession(&cfg, session.Options{})
			if err != nil {
				return outputError(err)
			}
			defer sess.Close()

			if err := sess.Start(c.Context); err != nil {
				return outputError(err)
			}
			waitFrame(c.Context, sess, c.Duration("wait"))

			result, err := sess.Capture(c.Context)
			if err != nil {
				return outputError(err)
			}
			if c.Bool("text") {
				return env.outputText(result.Display.Text)
			}
			return env.outputJSON(result)
		},
	}
}

// waitFrame polls until the session has a frame, the timeout passes or ctx
// ends. Capture reports why when there is still no frame.
func waitFrame(ctx context.Context, sess *session.Session, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		if _, ok := sess.Frame(); ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// transformOutput is printed by the transform command.
type transformOutput struct {
	*transform.Result
	Input  string `json:"input"`
	Output string `json:"output"`
}

// transformCmd creates the transform command.
func transformCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "transform",
		Usage:     "Apply the capture rotation and resize to a local image",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "rotation", Aliases: []string{"r"}, Usage: "Rotation in degrees: 0, 90, 180, 270"},
			&cli.IntFlag{Name: "max-size", Usage: "Longest side of the output (default: model_max_size)"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output JPEG path (default: <image>-rot<deg>.jpg)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("image path is required"))
			}
			input := c.Args().First()

			deg := env.cfg.Rotation
			if c.IsSet("rotation") {
				deg = c.Int("rotation")
			}
			rot, err := transform.ParseRotation(deg)
			if err != nil {
				return outputError(err)
			}
			maxSize := env.cfg.ModelMaxSize
			if c.IsSet("max-size") {
				maxSize = c.Int("max-size")
			}
			if maxSize <= 0 {
				return outputError(errors.NewInvalidRequest("max-size must be positive"))
			}

			raw, err := os.ReadFile(input)
			if err != nil {
				if stderrors.Is(err, os.ErrNotExist) {
					return outputError(errors.NewInvalidRequest(fmt.Sprintf("image not found: %s", input)))
				}
				return outputError(errors.NewInternal(err))
			}
			img, err := transform.Decode(raw)
			if err != nil {
				return outputError(err)
			}
			result, err := transform.ApplyDecoded(img, transform.Options{Rotation: rot, MaxSize: maxSize})
			if err != nil {
				return outputError(err)
			}

			output := c.String("out")
			if output == "" {
				output = defaultTransformPath(input, rot)
			}
			if err := os.WriteFile(output, result.JPEG, 0o644); err != nil {
				return outputError(errors.NewInternal(err))
			}

			return env.outputJSON(transformOutput{Result: result, Input: input, Output: output})
		},
	}
}

// defaultTransformPath puts the output next to the input.
func defaultTransformPath(input string, rot transform.Rotation) string {
	ext := filepath.Ext(input)
	return fmt.Sprintf("%s-rot%d.jpg", strings.TrimSuffix(input, ext), int(rot))
}

// filterCmd creates the filter command.
func filterCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "filter",
		Usage: "Remove backend system messages from OCR text (reads stdin)",
		Action: func(c *cli.Context) error {
			text, err := readStdin(env.stdin, maxStdinBytes)
			if err != nil {
				return outputError(errors.NewInvalidRequest(err.Error()))
			}
			return env.outputText(ocrtext.FilterSystemMessages(text))
		},
	}
}

// resultItem is one backend history record with its rendered display.
type resultItem struct {
	api.Result
	Display ocrtext.Display `json:"display"`
}

// resultsCmd creates the results command.
func resultsCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "results",
		Usage: "Show the backend's OCR history, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum records (default: all)"},
			&cli.BoolFlag{Name: "raw", Usage: "Print records as the backend returned them"},
		},
		Action: func(c *cli.Context) error {
			if c.Int("limit") < 0 {
				return outputError(errors.NewInvalidRequest("limit must not be negative"))
			}
			client, err := env.apiClient()
			if err != nil {
				return outputError(err)
			}
			results, err := client.Results(c.Context)
			if err != nil {
				return outputError(err)
			}
			if limit := c.Int("limit"); limit > 0 && limit < len(results) {
				results = results[:limit]
			}
			if c.Bool("raw") {
				return env.outputJSON(results)
			}

			items := make([]resultItem, 0, len(results))
			for i := range results {
				items = append(items, resultItem{Result: results[i], Display: results[i].Display()})
			}
			return env.outputJSON(items)
		},
	}
}

// clearCmd creates the clear command.
func clearCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Clear the backend's OCR history",
		Action: func(c *cli.Context) error {
			client, err := env.apiClient()
			if err != nil {
				return outputError(err)
			}
			if err := client.ClearResults(c.Context); err != nil {
				return outputError(err)
			}
			return env.outputJSON(map[string]bool{"cleared": true})
		},
	}
}

// journalCmd creates the journal command and its subcommands.
func journalCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "Inspect captures recorded locally",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List entries, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: journal.DefaultListLimit, Usage: "Page size (max 100)"},
					&cli.IntFlag{Name: "offset", Usage: "Entries to skip"},
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status: completed|skipped|error"},
				},
				Action: func(c *cli.Context) error {
					j, err := env.openJournal()
					if err != nil {
						return outputError(err)
					}
					out, err := j.List(c.Context, journal.ListInput{
						Limit:  c.Int("limit"),
						Offset: c.Int("offset"),
						Status: c.String("status"),
					})
					if err != nil {
						return outputError(err)
					}
					return env.outputJSON(out)
				},
			},
			{
				Name:      "show",
				Usage:     "Show one entry (default: the newest)",
				ArgsUsage: "[id]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "text", Usage: "Print only the filtered text"},
				},
				Action: func(c *cli.Context) error {
					j, err := env.openJournal()
					if err != nil {
						return outputError(err)
					}
					out, err := j.Fetch(c.Context, c.Args().First())
					if err != nil {
						return outputError(err)
					}
					if c.Bool("text") {
						return env.outputText(out.Display.Text)
					}
					return env.outputJSON(out)
				},
			},
			{
				Name:  "clear",
				Usage: "Delete every entry and saved image",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Confirm deletion"},
				},
				Action: func(c *cli.Context) error {
					if !c.Bool("yes") {
						return outputError(errors.NewInvalidRequest("pass --yes to delete every journal entry"))
					}
					j, err := env.openJournal()
					if err != nil {
						return outputError(err)
					}
					out, err := j.Clear(c.Context)
					if err != nil {
						return outputError(err)
					}
					return env.outputJSON(out)
				},
			},
			{
				Name:  "export",
				Usage: "Export entries to JSONL under <home>/exports",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Usage: "Output file (default: exports/journal-<timestamp>.jsonl)"},
				},
				Action: func(c *cli.Context) error {
					j, err := env.openJournal()
					if err != nil {
						return outputError(err)
					}
					path := c.String("path")
					if path != "" && !filepath.IsAbs(path) && filepath.Dir(path) == "." {
						path = filepath.Join(env.baseDir, db.ExportsDir, path)
					}
					out, err := j.Export(c.Context, journal.ExportInput{Path: path})
					if err != nil {
						return outputError(err)
					}
					return env.outputJSON(out)
				},
			},
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the local dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Listen address (default: web_bind)"},
			&cli.IntFlag{Name: "port", Usage: "Listen port (default: web_port)"},
		},
		Action: func(c *cli.Context) error {
			bind, port := env.cfg.WebBind, env.cfg.WebPort
			if c.IsSet("bind") {
				bind = c.String("bind")
			}
			if c.IsSet("port") {
				port = c.Int("port")
			}

			surface := web.NewSurface()
			sess, err := env.newSession(env.cfg, session.Options{Surface: surface})
			if err != nil {
				return outputError(err)
			}
			defer sess.Close()

			srv, err := web.NewServer(web.Deps{
				Session: sess,
				Journal: env.journal,
				Surface: surface,
				Client:  env.client,
				Logger:  env.logger,
			}, Version, bind, port)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return web.Run(gctx, srv, env.logger)
			})
			g.Go(func() error {
				return runPreview(gctx, env, sess)
			})
			return g.Wait()
		},
	}
}

// runPreview loads the camera list and opens the stream if enabled, then
// holds until ctx ends. A backend that is not up yet is not fatal; the
// stream keeps reconnecting.
func runPreview(ctx context.Context, env *appEnv, sess *session.Session) error {
	if _, err := sess.RefreshCameras(ctx); err != nil {
		env.logger.Warn("Camera list unavailable", "error", err)
		if env.cfg.Preview() {
			if err := sess.Start(ctx); err != nil {
				return err
			}
		}
	}
	<-ctx.Done()
	sess.Close()
	return nil
}

// mcpCmd creates the mcp command.
func mcpCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools on stdio (default when input is piped)",
		Action: func(c *cli.Context) error {
			if unknown := mcp.ValidateDisabledTools(env.cfg.DisabledTools); len(unknown) > 0 {
				env.logger.Warn("Unknown tools in disabled_tools", "tools", unknown)
			}

			sess, err := env.newSession(env.cfg, session.Options{})
			if err != nil {
				return outputError(err)
			}
			defer sess.Close()

			if env.cfg.Preview() {
				if err := sess.Start(c.Context); err != nil {
					return outputError(err)
				}
			}
			return mcp.Run(sess, env.journal, env.cfg, Version)
		},
	}
}

// Helper functions

// outputJSON marshals v to stdout as JSON.
func (e *appEnv) outputJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// outputText writes s and a trailing newline to stdout.
func (e *appEnv) outputText(s string) error {
	_, err := fmt.Fprintln(e.stdout, s)
	return err
}

// outputError formats error for CLI.
func outputError(err error) error {
	var rErr *errors.ReaderError
	if stderrors.As(err, &rErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", rErr.Code, rErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// readStdin reads at most maxBytes from r.
func readStdin(r io.Reader, maxBytes int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > maxBytes {
		return "", fmt.Errorf("input exceeds %d bytes", maxBytes)
	}
	return string(data), nil
}
