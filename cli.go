package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/hardboundapp/hardbound/internal"
)

type cli struct {
	Verbose bool             `short:"v" env:"VERBOSE" help:"Enable debug logging."`
	Version kong.VersionFlag `help:"Print the version and exit."`

	Serve   serveCmd   `cmd:"" default:"withargs" help:"Run the API gateway."`
	Warm    warmCmd    `cmd:"" help:"Queue an author for cache warming."`
	Harvest harvestCmd `cmd:"" help:"Run the archival and cover-harvest pass once."`
	Bust    bustCmd    `cmd:"" help:"Invalidate cached entries by key prefix."`
}

// flags are shared by every subcommand so the one-shot commands boot with
// exactly the wiring the server runs with.
type flags struct {
	Port    int    `env:"PORT" default:"8788" help:"Port to listen on."`
	DB      string `name:"db" env:"DATABASE_URL" help:"postgres:// or sqlite:// connection string. Empty keeps everything in memory."`
	Redis   string `env:"REDIS_URL" help:"redis:// URL enabling the warming queue and alert list."`
	BlobDir string `env:"BLOB_DIR" default:"blobs" help:"Directory for the cold cache and harvested covers."`

	GoogleBooksKey internal.Secret `env:"GOOGLE_BOOKS_API_KEY" help:"Google Books API key. Optional; unkeyed requests get a lower quota."`
	ISBNdbKey      internal.Secret `env:"ISBNDB_API_KEY" help:"ISBNdb API key. The provider is skipped without one."`
	GeminiKey      internal.Secret `env:"GEMINI_API_KEY" help:"Gemini API key for vision parsing."`
	OpenAIKey      internal.Secret `env:"OPENAI_API_KEY" help:"OpenAI API key for vision parsing."`
	GeminiModel    string          `env:"GEMINI_MODEL" help:"Override the default Gemini model."`
	OpenAIModel    string          `env:"OPENAI_MODEL" help:"Override the default OpenAI model."`

	CORSOrigins []string `env:"CORS_ORIGINS" help:"Origins allowed to call the API. Empty allows any."`
}

func (f flags) config() internal.Config {
	return internal.Config{
		Port:           f.Port,
		DSN:            f.DB,
		RedisURL:       f.Redis,
		BlobDir:        f.BlobDir,
		CORSOrigins:    f.CORSOrigins,
		GoogleBooksKey: f.GoogleBooksKey,
		ISBNdbKey:      f.ISBNdbKey,
		GeminiKey:      f.GeminiKey,
		OpenAIKey:      f.OpenAIKey,
		GeminiModel:    f.GeminiModel,
		OpenAIModel:    f.OpenAIModel,
	}
}

type serveCmd struct {
	flags
}

func (c *serveCmd) Run(ctx context.Context) error {
	srv, err := internal.NewServer(ctx, c.config())
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

type warmCmd struct {
	flags
	Author string `arg:"" help:"Author name to warm."`
	Depth  int    `default:"1" help:"How many co-author hops to follow (0-3)."`
}

func (c *warmCmd) Run(ctx context.Context) error {
	srv, err := internal.NewServer(ctx, c.config())
	if err != nil {
		return err
	}
	defer srv.Close()
	if err := srv.Warm(ctx, c.Author, c.Depth); err != nil {
		return err
	}
	internal.Log(ctx).Info("queued author for warming", "author", c.Author, "depth", c.Depth)
	return nil
}

type harvestCmd struct {
	flags
}

func (c *harvestCmd) Run(ctx context.Context) error {
	srv, err := internal.NewServer(ctx, c.config())
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.Maintain(ctx)
	return nil
}

type bustCmd struct {
	flags
	Prefix string `arg:"" help:"Cache key prefix to invalidate, e.g. 'search:title'."`
}

func (c *bustCmd) Run(ctx context.Context) error {
	srv, err := internal.NewServer(ctx, c.config())
	if err != nil {
		return err
	}
	defer srv.Close()
	n, err := srv.Bust(ctx, c.Prefix)
	if err != nil {
		return err
	}
	internal.Log(ctx).Info("busted cache entries", "prefix", c.Prefix, "rows", n)
	return nil
}
