package gitprovider

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	gogh "github.com/google/go-github/v68/github"
	"golang.org/x/sync/errgroup"
)

// keyFileNames are root files whose opening lines are included in the
// index so the planner sees how the project is set up.
var keyFileNames = map[string]bool{
	"README.md":          true,
	"package.json":       true,
	"pyproject.toml":     true,
	"requirements.txt":   true,
	"go.mod":             true,
	"Cargo.toml":         true,
	"Makefile":           true,
	"Dockerfile":         true,
	"docker-compose.yml": true,
	"compose.yml":        true,
	"tsconfig.json":      true,
}

const (
	// maxTreeDepth limits the rendered tree to the top directory levels.
	maxTreeDepth = 3
	// maxTreeLines caps the rendered tree for very large repositories.
	maxTreeLines = 400
	// maxKeyFileLines caps each key file snippet.
	maxKeyFileLines = 100
)

// Index is a structural summary of a repository at one ref: the file
// tree, the language breakdown and snippets of key root files. It is built
// from a single recursive tree fetch.
type Index struct {
	Description string
	// Files holds every blob path in the tree.
	Files map[string]bool
	// Tree is an indented listing of the top levels of the tree.
	Tree string
	// Languages maps a language to its share of the code, in percent.
	Languages map[string]int
	KeyFiles  map[string]string
	// Truncated is set when GitHub returned a partial tree; Has then only
	// answers reliably for paths it reports as present.
	Truncated bool
}

// Has reports whether path is a file in the indexed tree.
func (ix *Index) Has(p string) bool { return ix.Files[p] }

// String renders the index as a prompt section.
func (ix *Index) String() string {
	var b strings.Builder

	if ix.Description != "" {
		fmt.Fprintf(&b, "### Description\n%s\n\n", ix.Description)
	}

	if len(ix.Languages) > 0 {
		b.WriteString("### Languages\n")
		names := make([]string, 0, len(ix.Languages))
		for name := range ix.Languages {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if ix.Languages[names[i]] != ix.Languages[names[j]] {
				return ix.Languages[names[i]] > ix.Languages[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %d%%\n", name, ix.Languages[name])
		}
		b.WriteString("\n")
	}

	if ix.Tree != "" {
		fmt.Fprintf(&b, "### File Tree (top %d levels)\n```\n%s\n```\n\n", maxTreeDepth, ix.Tree)
	}

	if len(ix.KeyFiles) > 0 {
		b.WriteString("### Key Files\n")
		names := make([]string, 0, len(ix.KeyFiles))
		for name := range ix.KeyFiles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "\n**%s**\n```\n%s\n```\n", name, ix.KeyFiles[name])
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// IndexRepository fetches the recursive tree at ref, the language
// breakdown and the key root files. Language and key file failures are
// tolerated; a failed tree fetch is not.
func (c *Client) IndexRepository(ctx context.Context, owner, name, ref string) (*Index, error) {
	tree, _, err := c.gh.Git.GetTree(ctx, owner, name, ref, true)
	if err != nil {
		return nil, mapError(ctx, err, "fetching tree of %s/%s at %s", owner, name, ref)
	}
	ix := buildIndex(tree.Entries)
	ix.Truncated = tree.GetTruncated()

	if langs, _, err := c.gh.Repositories.ListLanguages(ctx, owner, name); err == nil {
		ix.Languages = languageShares(langs)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for p := range ix.Files {
		if !keyFileNames[p] {
			continue
		}
		g.Go(func() error {
			content, err := c.fileContent(gctx, owner, name, p, ref)
			if err != nil || content == "" {
				return nil
			}
			mu.Lock()
			ix.KeyFiles[p] = truncateLines(content, maxKeyFileLines)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ix, nil
}

func (c *Client) fileContent(ctx context.Context, owner, name, p, ref string) (string, error) {
	file, _, _, err := c.gh.Repositories.GetContents(ctx, owner, name, p, &gogh.RepositoryContentGetOptions{Ref: ref})
	if err != nil || file == nil {
		return "", err
	}
	return file.GetContent()
}

// buildIndex collects the file set and the rendered tree from tree
// entries.
func buildIndex(entries []*gogh.TreeEntry) *Index {
	ix := &Index{
		Files:    make(map[string]bool),
		KeyFiles: make(map[string]string),
	}
	var lines []string
	omitted := 0
	for _, e := range entries {
		p := e.GetPath()
		if e.GetType() == "blob" {
			ix.Files[p] = true
		}
		depth := strings.Count(p, "/")
		if depth >= maxTreeDepth {
			continue
		}
		if len(lines) >= maxTreeLines {
			omitted++
			continue
		}
		line := strings.Repeat("  ", depth) + path.Base(p)
		if e.GetType() == "tree" {
			line += "/"
		}
		lines = append(lines, line)
	}
	if omitted > 0 {
		lines = append(lines, fmt.Sprintf("... (%d more entries)", omitted))
	}
	ix.Tree = strings.Join(lines, "\n")
	return ix
}

// languageShares converts byte counts into whole percentages.
func languageShares(bytes map[string]int) map[string]int {
	total := 0
	for _, n := range bytes {
		total += n
	}
	if total == 0 {
		return nil
	}
	out := make(map[string]int, len(bytes))
	for lang, n := range bytes {
		out[lang] = n * 100 / total
	}
	return out
}

// truncateLines keeps the first n lines of s.
func truncateLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = append(lines[:n], "... (truncated)")
	}
	return strings.Join(lines, "\n")
}
