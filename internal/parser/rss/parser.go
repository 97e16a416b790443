// Package rss turns raw feed documents into feed items.
package rss

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
)

// Parser parses RSS, Atom and JSON Feed documents. It is used from a single
// goroutine.
type Parser struct {
	parser   *gofeed.Parser
	validate *validator.Validate
	logger   *zap.Logger
}

var _ feed.ContentParser = (*Parser)(nil)

// New returns a Parser.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		parser:   gofeed.NewParser(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(zap.String("component", "parser")),
	}
}

// Parse extracts the items of a feed. Items that fail validation are logged
// and skipped. A document that is not a feed, or that yields no valid item,
// returns an error wrapping feed.ErrParse.
func (p *Parser) Parse(raw string) ([]feed.Item, error) {
	parsed, err := p.parser.ParseString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", feed.ErrParse, err)
	}

	items := make([]feed.Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		item := convert(entry)
		if err := p.validate.Struct(item); err != nil {
			p.logger.Warn("skipping invalid feed item",
				zap.String("title", entry.Title),
				zap.String("link", entry.Link),
				zap.Error(err),
			)
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no valid item in feed", feed.ErrParse)
	}
	return items, nil
}

func convert(entry *gofeed.Item) feed.Item {
	return feed.Item{
		Title:       optional(entry.Title),
		Description: optional(entry.Description),
		Link:        optional(entry.Link),
		Author:      optional(authorName(entry)),
		GUID:        optional(entry.GUID),
	}
}

func authorName(entry *gofeed.Item) string {
	if entry.Author != nil && entry.Author.Name != "" {
		return entry.Author.Name
	}
	for _, a := range entry.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
