package knowledge

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"autopilot/internal/logging"

	"github.com/tidwall/jsonc"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Loader collects every snippet of one tier.
type Loader interface {
	Tier() Tier
	Load(ctx context.Context) ([]Snippet, error)
}

// DirLoader reads snippet files from a directory tree.
//
// Supported files:
//   - *.md: optional YAML front matter, body is the markdown
//   - *.yaml, *.yml: a list of snippet records
//   - *.json, *.jsonc: a list of snippet records, comments allowed
type DirLoader struct {
	tier  Tier
	fsys  fs.FS
	label string // human-readable root, prefixed to source paths
	dir   string // OS directory, empty for embedded filesystems
}

// NewDirLoader loads tier from an OS directory. A missing directory yields
// an empty tier.
func NewDirLoader(tier Tier, dir string) *DirLoader {
	return &DirLoader{tier: tier, fsys: os.DirFS(dir), label: dir, dir: dir}
}

// NewFSLoader loads tier from an arbitrary filesystem (e.g. embed.FS).
func NewFSLoader(tier Tier, fsys fs.FS, label string) *DirLoader {
	return &DirLoader{tier: tier, fsys: fsys, label: label}
}

// Tier implements Loader.
func (l *DirLoader) Tier() Tier { return l.tier }

// Dir returns the OS directory backing the loader, if any.
func (l *DirLoader) Dir() string { return l.dir }

// Load implements Loader.
func (l *DirLoader) Load(ctx context.Context) ([]Snippet, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "DirLoader.Load:"+l.tier.String())
	defer timer.Stop()

	if l.dir != "" {
		if _, err := os.Stat(l.dir); os.IsNotExist(err) {
			logging.KnowledgeDebug("Tier %s directory %s does not exist, tier is empty", l.tier, l.dir)
			return nil, nil
		}
	}

	var out []Snippet
	err := fs.WalkDir(l.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}

		var parse func(string, []byte) ([]Snippet, error)
		switch strings.ToLower(path.Ext(p)) {
		case ".md", ".markdown":
			parse = parseMarkdown
		case ".yaml", ".yml":
			parse = parseYAML
		case ".json", ".jsonc":
			parse = parseJSONC
		default:
			return nil
		}

		data, err := fs.ReadFile(l.fsys, p)
		if err != nil {
			return err
		}
		snippets, err := parse(p, data)
		if err != nil {
			logging.KnowledgeWarn("Skipping %s/%s: %v", l.label, p, err)
			return nil
		}
		for i := range snippets {
			sn := &snippets[i]
			sn.Tier = l.tier
			sn.SourcePath = path.Join(l.label, p)
			if sn.ID == "" {
				sn.ID = stableID(l.tier, p, i)
			}
		}
		out = append(out, snippets...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s tier from %s: %w", l.tier, l.label, err)
	}

	logging.KnowledgeDebug("Collected %d snippets for %s tier from %s", len(out), l.tier, l.label)
	return out, nil
}

// stableID derives an id that survives reloads as long as the file and
// the record position do not change.
func stableID(tier Tier, relPath string, index int) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s#%d", relPath, index)))
	return tier.String() + "-" + hex.EncodeToString(sum[:8])
}

// record is the on-disk shape shared by front matter, YAML and JSON files.
type record struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Category string   `yaml:"category" json:"category"`
	Tags     []string `yaml:"tags" json:"tags"`
	Language string   `yaml:"language" json:"language"`
	Body     string   `yaml:"body" json:"body"`
}

func (r record) snippet() Snippet {
	return Snippet{
		ID:       r.ID,
		Title:    strings.TrimSpace(r.Title),
		Category: strings.TrimSpace(r.Category),
		Tags:     r.Tags,
		Language: r.Language,
		Body:     strings.TrimSpace(r.Body),
	}
}

func recordsToSnippets(relPath string, records []record) ([]Snippet, error) {
	out := make([]Snippet, 0, len(records))
	for i, r := range records {
		sn := r.snippet()
		if sn.Title == "" {
			return nil, fmt.Errorf("record %d has no title", i)
		}
		if sn.Category == "" {
			sn.Category = categoryFromPath(relPath)
		}
		out = append(out, sn)
	}
	return out, nil
}

func parseYAML(relPath string, data []byte) ([]Snippet, error) {
	var records []record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return recordsToSnippets(relPath, records)
}

func parseJSONC(relPath string, data []byte) ([]Snippet, error) {
	var records []record
	if err := json.Unmarshal(jsonc.ToJSON(data), &records); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return recordsToSnippets(relPath, records)
}

func parseMarkdown(relPath string, data []byte) ([]Snippet, error) {
	var fm record
	body := data
	if front, rest, ok := splitFrontMatter(data); ok {
		if err := yaml.Unmarshal(front, &fm); err != nil {
			return nil, fmt.Errorf("parse front matter: %w", err)
		}
		body = rest
	}

	sn := fm.snippet()
	sn.Body = strings.TrimSpace(string(body))
	if sn.Title == "" {
		sn.Title = firstHeading(body)
	}
	if sn.Title == "" {
		base := path.Base(relPath)
		sn.Title = strings.TrimSuffix(base, path.Ext(base))
	}
	if sn.Category == "" {
		sn.Category = categoryFromPath(relPath)
	}
	return []Snippet{sn}, nil
}

// splitFrontMatter separates a leading "---" delimited YAML block.
func splitFrontMatter(data []byte) (front, rest []byte, ok bool) {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, data, false
	}
	body := normalized[4:]
	end := bytes.Index(body, []byte("\n---"))
	if end < 0 {
		return nil, data, false
	}
	front = body[:end]
	rest = body[end+4:]
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = nil
	}
	return front, rest, true
}

var markdown = goldmark.New()

// firstHeading returns the text of the first markdown heading.
func firstHeading(src []byte) string {
	doc := markdown.Parser().Parse(text.NewReader(src))
	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		collectText(h, src, &buf)
		title = strings.TrimSpace(buf.String())
		return ast.WalkStop, nil
	})
	return title
}

func collectText(n ast.Node, src []byte, buf *bytes.Buffer) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
			continue
		}
		collectText(c, src, buf)
	}
}

// categoryFromPath uses the top-level directory as the category.
func categoryFromPath(relPath string) string {
	dir := path.Dir(relPath)
	if dir == "." || dir == "" {
		return "general"
	}
	if i := strings.IndexByte(dir, '/'); i >= 0 {
		dir = dir[:i]
	}
	return dir
}

// LoadAll runs every loader concurrently and loads its result into store.
// A failing tier does not prevent the others from loading; the first
// error is returned once all loaders have finished.
func LoadAll(ctx context.Context, store *Store, loaders ...Loader) error {
	timer := logging.StartTimer(logging.CategoryKnowledge, "LoadAll")
	defer timer.Stop()

	var g errgroup.Group
	for _, l := range loaders {
		g.Go(func() error {
			snippets, err := l.Load(ctx)
			if err != nil {
				return err
			}
			return store.Load(l.Tier(), snippets)
		})
	}
	return g.Wait()
}
