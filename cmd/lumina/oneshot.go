package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/MrWong99/lumina/internal/config"
	"github.com/MrWong99/lumina/internal/credentials"
	"github.com/MrWong99/lumina/internal/generate"
	"github.com/MrWong99/lumina/pkg/apierror"
)

// newGenerator resolves the key and builds a generation client. When the
// gallery opens, generated images and videos are recorded in it; close
// releases it.
func newGenerator(ctx context.Context, cfg *config.Config, creds *credentials.Store) (c *generate.Client, closeFn func(), err error) {
	key, err := creds.Key()
	if err != nil {
		return nil, nil, err
	}
	g := cfg.Generate
	models := generate.Models{
		Fast:           g.FastModel,
		Thinking:       g.ThinkingModel,
		Image:          g.ImageModel,
		Edit:           g.EditModel,
		Transcribe:     g.TranscribeModel,
		Video:          g.VideoModel,
		ThinkingBudget: g.ThinkingBudget,
	}

	closeFn = func() {}
	opts := []generate.Option{generate.WithPollInterval(g.VideoPollInterval)}
	store, err := openGallery(ctx, cfg.Gallery)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gallery unavailable, media will not be recorded:", err)
	} else {
		opts = append(opts, generate.WithRecorder(store))
		closeFn = func() { _ = store.Close() }
	}

	c, err = generate.New(ctx, key, models, opts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return c, closeFn, nil
}

// reportAuth offers the key reset the live console offers.
func reportAuth(err error) error {
	if errors.Is(err, apierror.ErrAuth) {
		fmt.Fprintln(os.Stderr, "API key seems invalid or expired. Run `lumina key reset` to clear the stored key.")
	}
	return errors.New(apierror.Message(err))
}

func runChat(ctx context.Context, cfg *config.Config, creds *credentials.Store, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	think := fs.Bool("think", false, "use the thinking model")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	if prompt == "" {
		return errors.New("chat: prompt is required")
	}

	c, closeFn, err := newGenerator(ctx, cfg, creds)
	if err != nil {
		return err
	}
	defer closeFn()

	var text string
	if *think {
		text, err = c.ThinkingResponse(ctx, prompt)
	} else {
		text, err = c.FastResponse(ctx, prompt)
	}
	if err != nil {
		return reportAuth(err)
	}
	fmt.Println(text)
	return nil
}

func runImage(ctx context.Context, cfg *config.Config, creds *credentials.Store, args []string) error {
	fs := flag.NewFlagSet("image", flag.ContinueOnError)
	out := fs.String("o", "", "write the image to this file instead of printing the data URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	if prompt == "" {
		return errors.New("image: prompt is required")
	}

	c, closeFn, err := newGenerator(ctx, cfg, creds)
	if err != nil {
		return err
	}
	defer closeFn()

	url, err := c.GenerateImage(ctx, prompt)
	if err != nil {
		return reportAuth(err)
	}
	return emitMedia(url, *out)
}

func runEdit(ctx context.Context, cfg *config.Config, creds *credentials.Store, args []string) error {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	in := fs.String("i", "", "source image file (required)")
	out := fs.String("o", "", "write the image to this file instead of printing the data URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	if *in == "" || prompt == "" {
		return errors.New("edit: -i file and a prompt are required")
	}
	src, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("edit: %w", err)
	}

	c, closeFn, err := newGenerator(ctx, cfg, creds)
	if err != nil {
		return err
	}
	defer closeFn()

	url, err := c.EditImage(ctx, src, mimeOf(*in, src), prompt)
	if err != nil {
		return reportAuth(err)
	}
	return emitMedia(url, *out)
}

func runVideo(ctx context.Context, cfg *config.Config, creds *credentials.Store, args []string) error {
	fs := flag.NewFlagSet("video", flag.ContinueOnError)
	in := fs.String("i", "", "source image file (required)")
	out := fs.String("o", "", "write the video to this file instead of printing the data URL")
	aspect := fs.String("aspect", generate.DefaultAspectRatio, "aspect ratio: 16:9 or 9:16")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("video: -i file is required")
	}
	if !generate.ValidAspectRatio(*aspect) {
		return fmt.Errorf("video: unsupported aspect ratio %q", *aspect)
	}
	src, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("video: %w", err)
	}

	c, closeFn, err := newGenerator(ctx, cfg, creds)
	if err != nil {
		return err
	}
	defer closeFn()

	fmt.Fprintln(os.Stderr, "generating video, this can take a few minutes...")
	url, err := c.GenerateVideo(ctx, src, mimeOf(*in, src), strings.Join(fs.Args(), " "), *aspect)
	if err != nil {
		return reportAuth(err)
	}
	return emitMedia(url, *out)
}

func runTranscribe(ctx context.Context, cfg *config.Config, creds *credentials.Store, args []string) error {
	if len(args) != 1 {
		return errors.New("transcribe: exactly one audio file is required")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}

	c, closeFn, err := newGenerator(ctx, cfg, creds)
	if err != nil {
		return err
	}
	defer closeFn()

	text, err := c.Transcribe(ctx, data, mimeOf(args[0], data))
	if err != nil {
		return reportAuth(err)
	}
	fmt.Println(text)
	return nil
}

func runGallery(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	store, err := openGallery(ctx, cfg.Gallery)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "list":
		items, err := store.List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tCREATED\tMODEL\tPROMPT")
		for _, it := range items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.ID, it.Type, it.Timestamp.Local().Format("2006-01-02 15:04"), it.Model, it.Prompt)
		}
		return tw.Flush()
	case "remove":
		if len(args) != 2 {
			return errors.New("gallery remove: an item id is required")
		}
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("gallery remove: %w", err)
		}
		return store.Remove(ctx, id)
	case "clear":
		return store.Clear(ctx)
	default:
		return fmt.Errorf("gallery: unknown subcommand %q", args[0])
	}
}

func runKey(creds *credentials.Store, args []string) error {
	if len(args) != 1 || args[0] != "reset" {
		return errors.New("key: usage: lumina key reset")
	}
	if err := creds.Reset(); err != nil {
		return err
	}
	fmt.Println("stored key removed:", creds.Path())
	return nil
}

// emitMedia writes the decoded media to path, or prints url when path is
// empty.
func emitMedia(url, path string) error {
	if path == "" {
		fmt.Println(url)
		return nil
	}
	_, data, err := generate.ParseDataURL(url)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

// mimeOf guesses a MIME type from the file extension, then the content.
func mimeOf(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
