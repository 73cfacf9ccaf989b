package fragment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pthm/opctx"
)

// maxLabelLen is PostgreSQL's identifier limit (NAMEDATALEN - 1).
const maxLabelLen = 63

// Block is one rendered block of a statement.
type Block struct {
	Label    string
	SQL      string
	Path     string
	Mutation bool
}

// Statement is a composed statement ready to be sent to the database.
// The last block is the executable query; the others are its CTEs.
type Statement struct {
	Blocks   []Block
	Args     []any
	Mutation bool
}

// SQL renders the statement text.
func (s *Statement) SQL() string {
	if len(s.Blocks) == 0 {
		return ""
	}
	last := s.Blocks[len(s.Blocks)-1]
	if len(s.Blocks) == 1 {
		return last.SQL
	}

	var sb strings.Builder
	sb.WriteString("WITH ")
	for i, b := range s.Blocks[:len(s.Blocks)-1] {
		if i > 0 {
			sb.WriteString(",\n")
		}
		sb.WriteString(b.Label)
		sb.WriteString(" AS (\n")
		sb.WriteString(IndentLines(b.SQL, "    "))
		sb.WriteString("\n)")
	}
	sb.WriteString("\n-- ")
	sb.WriteString(last.Label)
	sb.WriteString("\n")
	sb.WriteString(last.SQL)
	return sb.String()
}

// blockKey deduplicates blocks: same declaring function, same SQL once
// parameter values and dependency labels are substituted.
type blockKey struct {
	path string
	hash string
}

// composer holds the blocks of one render in a flat slice; fragments and
// keys refer to blocks by index.
type composer struct {
	blocks  []Block
	args    []any
	byKey   map[blockKey]int
	visited map[*Fragment]int
	counts  map[string]int
	labels  map[string]bool
}

// Compose renders f and its dependencies into a statement without checking
// the operational mode. Use Render before executing.
func Compose(f *Fragment) (*Statement, error) {
	if f == nil {
		return nil, fmt.Errorf("fragment: nil fragment")
	}
	c := &composer{
		byKey:   make(map[blockKey]int),
		visited: make(map[*Fragment]int),
		counts:  make(map[string]int),
		labels:  make(map[string]bool),
	}
	if _, err := c.add(f); err != nil {
		return nil, err
	}

	st := &Statement{Blocks: c.blocks, Args: c.args}
	for _, b := range c.blocks {
		st.Mutation = st.Mutation || b.Mutation
	}
	return st, nil
}

// Render composes f and checks the result against the operational mode of
// ctx: a statement containing a mutation requires a mutate root.
func Render(ctx context.Context, f *Fragment) (*Statement, error) {
	st, err := Compose(f)
	if err != nil {
		return nil, err
	}
	if st.Mutation && opctx.From(ctx).Global() != opctx.ModeMutate {
		return nil, fmt.Errorf("%w: mutation %s outside a mutate root (root %q)",
			opctx.ErrUnauthorized, st.Blocks[len(st.Blocks)-1].Label, opctx.From(ctx).Entrypoint())
	}
	return st, nil
}

// add visits the dependencies of f, then f, and returns f's block index.
func (c *composer) add(f *Fragment) (int, error) {
	if idx, ok := c.visited[f]; ok {
		return idx, nil
	}
	if f.err != nil {
		return 0, f.err
	}
	positions := make([]int, 0, len(f.deps))
	for pos := range f.deps {
		positions = append(positions, pos)
	}
	slices.Sort(positions)

	labels := make(map[int]string, len(f.deps))
	for _, pos := range positions {
		idx, err := c.add(f.deps[pos])
		if err != nil {
			return 0, err
		}
		labels[pos] = c.blocks[idx].Label
	}

	hash := substitute(f.template, func(n int) string {
		if l, ok := labels[n]; ok {
			return l
		}
		return fmt.Sprintf("%#v", f.params[n])
	})
	key := blockKey{path: f.path, hash: hash}
	if idx, ok := c.byKey[key]; ok {
		c.blocks[idx].Mutation = c.blocks[idx].Mutation || f.mutation
		c.visited[f] = idx
		return idx, nil
	}

	var label string
	for label == "" || c.labels[label] {
		c.counts[f.path]++
		label = Label(f.path, c.counts[f.path])
	}
	c.labels[label] = true

	// Each literal is appended once, in placeholder order, even if the
	// template repeats its marker.
	markers := make(map[int]string, len(f.params))
	sql := substitute(f.template, func(n int) string {
		if l, ok := labels[n]; ok {
			return l
		}
		if m, ok := markers[n]; ok {
			return m
		}
		c.args = append(c.args, f.params[n])
		markers[n] = "$" + strconv.Itoa(len(c.args))
		return markers[n]
	})

	idx := len(c.blocks)
	c.blocks = append(c.blocks, Block{
		Label:    label,
		SQL:      Clean(sql),
		Path:     f.path,
		Mutation: f.mutation,
	})
	c.byKey[key] = idx
	c.visited[f] = idx
	return idx, nil
}

// substitute replaces every $N in template with repl(N).
func substitute(template string, repl func(n int) string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		return repl(n)
	})
}

// Label returns the CTE name for the nth block built by path: the path
// lower-cased with separators rewritten to "__", then "__n". Labels longer
// than PostgreSQL allows are truncated and suffixed with a hash of the
// path to stay unique.
func Label(path string, n int) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(path) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r == '.' || r == '/':
			sb.WriteString("__")
		case r == '(' || r == ')' || r == '*':
		default:
			sb.WriteByte('_')
		}
	}
	base := sb.String()
	if base == "" {
		base = "fragment"
	}
	if base[0] >= '0' && base[0] <= '9' {
		base = "f_" + base
	}

	suffix := "__" + strconv.Itoa(n)
	if len(base)+len(suffix) <= maxLabelLen {
		return base + suffix
	}
	sum := sha256.Sum256([]byte(path))
	suffix = "_" + hex.EncodeToString(sum[:4]) + suffix
	return base[:maxLabelLen-len(suffix)] + suffix
}
