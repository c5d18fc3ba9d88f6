package executor

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultMaxTextRunes = 8000

// Fetch downloads a page and extracts its title and readable text. The URL
// comes from the step input or else the top result of the latest search.
type Fetch struct {
	Client   *Client
	MaxRunes int
}

func NewFetch(client *Client) *Fetch {
	return &Fetch{Client: client, MaxRunes: defaultMaxTextRunes}
}

func (f *Fetch) Execute(ctx context.Context, step models.StepDefinition, rc service.RunContext) (models.StepOutput, error) {
	target := strings.TrimSpace(step.Input.URL)
	if target == "" {
		target = latestResultURL(rc)
	}
	if target == "" {
		return models.StepOutput{}, service.Permanent(errors.New("no url to fetch: step has no url and no earlier search returned results"))
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.StepOutput{}, service.Permanent(errors.Errorf("unsupported url %q", target))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.StepOutput{}, service.Permanent(errors.Wrap(err, "create request"))
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	body, err := f.Client.Do(ctx, req)
	if err != nil {
		return models.StepOutput{}, err
	}

	title, text, err := ExtractText(body)
	if err != nil {
		return models.StepOutput{}, service.Permanent(errors.Wrapf(err, "parse %s", target))
	}
	return models.StepOutput{Page: &models.PageOutput{
		URL:   u.String(),
		Title: title,
		Text:  truncateRunes(text, f.MaxRunes),
	}}, nil
}

// latestResultURL returns the first result URL of the most recent search
// output.
func latestResultURL(rc service.RunContext) string {
	outputs := rc.PreviousInOrder()
	for i := len(outputs) - 1; i >= 0; i-- {
		if s := outputs[i].Search; s != nil {
			for _, r := range s.Results {
				if r.URL != "" {
					return r.URL
				}
			}
		}
	}
	return ""
}

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Iframe:   true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Blockquote: true, atom.Pre: true,
}

// ExtractText returns the document title and its visible text, one block
// per line.
func ExtractText(doc []byte) (string, string, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return "", "", err
	}

	var title string
	var findTitle func(n *html.Node)
	findTitle = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Title && n.FirstChild != nil {
			title = collapseSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			findTitle(c)
		}
	}
	findTitle(root)

	var b strings.Builder
	atLineStart := true
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			if t := collapseSpace(n.Data); t != "" {
				if !atLineStart {
					b.WriteByte(' ')
				}
				b.WriteString(t)
				atLineStart = false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] && !atLineStart {
			b.WriteByte('\n')
			atLineStart = true
		}
	}
	walk(root)
	return title, strings.TrimSpace(b.String()), nil
}

// stripTags removes markup from a provider snippet.
func stripTags(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
