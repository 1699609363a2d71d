package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/urfave/cli/v2"

	"github.com/elum-utils/aiocensor/models"
)

var cmdCheck = &cli.Command{
	Name:      "check",
	Usage:     "moderate one piece of content and print the result as JSON",
	ArgsUsage: "[text]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "url",
			Usage: "check an image by URL instead of text",
		},
		&cli.StringFlag{
			Name:  "image",
			Usage: "check a local image file instead of text",
		},
		&cli.StringFlag{
			Name:  "user",
			Usage: "author id, used for white/blacklists and enforcement",
		},
		&cli.StringFlag{
			Name:  "group",
			Usage: "group id the content was posted in",
		},
		&cli.StringFlag{
			Name:  "message-id",
			Usage: "message id, used to deduplicate enforcement",
		},
	},
	Action: runCheck,
}

func runCheck(cctx *cli.Context) error {
	req, err := checkRequest(cctx)
	if err != nil {
		return err
	}
	_, rt, log, err := setup(cctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	defer func() { _ = log.Zap().Sync() }()

	if err := syncRules(cctx.Context, rt); err != nil {
		return err
	}
	res, err := rt.Core.Moderate(cctx.Context, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func checkRequest(cctx *cli.Context) (models.ModerationRequest, error) {
	req := models.ModerationRequest{
		Context: models.Context{
			UserID:    cctx.String("user"),
			GroupID:   cctx.String("group"),
			MessageID: cctx.String("message-id"),
		},
	}
	switch {
	case cctx.String("url") != "":
		req.Kind = models.KindImageURL
		req.URL = cctx.String("url")
	case cctx.String("image") != "":
		data, err := os.ReadFile(cctx.String("image"))
		if err != nil {
			return req, fmt.Errorf("reading image: %w", err)
		}
		req.Kind = models.KindImageBase64
		req.Data = data
		req.MimeType = mimetype.Detect(data).String()
	default:
		text := strings.Join(cctx.Args().Slice(), " ")
		if strings.TrimSpace(text) == "" {
			return req, fmt.Errorf("need text to check, or --url / --image")
		}
		req.Kind = models.KindText
		req.Text = text
	}
	return req, nil
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(s string) ([]byte, string, error) {
	mime := ""
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data url")
		}
		mime, _, _ = strings.Cut(meta, ";")
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64 image: %w", err)
	}
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	return data, mime, nil
}
