package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"antares/internal/config"
	"antares/internal/database"
)

func sourcesCommand() *cli.Command {
	return &cli.Command{
		Name:  "sources",
		Usage: "manage the source catalog",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list catalog sources in start order",
				Action: listSources,
			},
			{
				Name:  "add",
				Usage: "append a source to the catalog",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.StringFlag{Name: "locator", Required: true, Usage: "rtsp://, http:// or device path"},
					&cli.IntFlag{Name: "width", Usage: "display width, 0 for the default"},
					&cli.IntFlag{Name: "height", Usage: "display height, 0 for the default"},
					&cli.IntFlag{Name: "input-size", Usage: "inference input size, 0 for the default"},
					&cli.Float64Flag{Name: "confidence", Usage: "confidence threshold, 0 for the default"},
				},
				Action: addSource,
			},
			{
				Name:      "remove",
				Usage:     "remove a source from the catalog",
				ArgsUsage: "<id>",
				Action:    removeSource,
			},
		},
	}
}

func catalogPath(cfg *config.Config) (string, error) {
	if cfg.Database.Path == "" {
		return "", errors.New("database.path is not configured")
	}
	return cfg.Database.Path, nil
}

func listSources(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path, err := catalogPath(cfg)
	if err != nil {
		return err
	}
	db, err := openCatalog(c.Context, path)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.ListSources(c.Context)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLOCATOR\tSIZE\tCONFIDENCE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dx%d\t%.2f\n", r.ID, r.Name, r.Locator, r.Width, r.Height, r.Confidence)
	}
	return tw.Flush()
}

func addSource(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path, err := catalogPath(cfg)
	if err != nil {
		return err
	}
	if conf := c.Float64("confidence"); conf < 0 || conf > 1 {
		return fmt.Errorf("confidence %.2f not in [0,1]", conf)
	}

	db, err := openCatalog(c.Context, path)
	if err != nil {
		return err
	}
	defer db.Close()

	rec := &database.SourceRecord{
		Name:       c.String("name"),
		Locator:    c.String("locator"),
		Width:      c.Int("width"),
		Height:     c.Int("height"),
		InputSize:  c.Int("input-size"),
		Confidence: c.Float64("confidence"),
	}
	if err := db.AddSource(c.Context, rec); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, rec.ID)
	return nil
}

func removeSource(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: antares sources remove <id>", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path, err := catalogPath(cfg)
	if err != nil {
		return err
	}
	db, err := openCatalog(c.Context, path)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.RemoveSource(c.Context, c.Args().First())
}
