package transport

import (
	"context"
	"iter"
	"path"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	terrors "github.com/tturner/hpcxfer/internal/errors"
)

// pathLister is the primitive set the glob engine needs. Transports satisfy
// it for remote paths; osLister does for local ones.
type pathLister interface {
	ListDir(ctx context.Context, path, pattern string) ([]string, error)
	IsDir(ctx context.Context, path string) (bool, error)
	PathExists(ctx context.Context, path string) (bool, error)
}

// PathMatcher expands shell wildcards (*, ?, [...], [!...]) using only
// directory listings, so it behaves the same on every filesystem.
type PathMatcher struct {
	fs pathLister
}

// NewPathMatcher returns a matcher over fs.
func NewPathMatcher(fs pathLister) *PathMatcher {
	return &PathMatcher{fs: fs}
}

// HasMagic reports whether p contains glob metacharacters.
func HasMagic(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// Glob returns every path matching pattern, without duplicates.
func (m *PathMatcher) Glob(ctx context.Context, pattern string) ([]string, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	for p, err := range m.Iglob(ctx, pattern) {
		if err != nil {
			return nil, err
		}
		if seen.Add(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Iglob lazily yields matches. The sequence can be ranged over again to
// restart the expansion.
func (m *PathMatcher) Iglob(ctx context.Context, pattern string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if pattern == "" {
			yield("", terrors.Validation("glob", "", "empty pattern"))
			return
		}
		m.iglob(ctx, pattern, yield)
	}
}

// iglob returns false once yield asked to stop.
func (m *PathMatcher) iglob(ctx context.Context, pattern string, yield func(string, error) bool) bool {
	if err := ctx.Err(); err != nil {
		return yield("", err)
	}

	dirname, basename := splitPath(pattern)
	if !HasMagic(pattern) {
		var ok bool
		var err error
		if basename == "" {
			ok, err = m.fs.IsDir(ctx, dirname)
		} else {
			ok, err = m.fs.PathExists(ctx, pattern)
		}
		if err != nil {
			return yield("", err)
		}
		if ok {
			return yield(pattern, nil)
		}
		return true
	}

	if dirname == "" {
		names, err := m.glob1(ctx, ".", basename)
		if err != nil {
			return yield("", err)
		}
		for _, name := range names {
			if !yield(name, nil) {
				return false
			}
		}
		return true
	}

	inDir := m.glob0
	if HasMagic(basename) {
		inDir = m.glob1
	}

	visit := func(dir string) bool {
		names, err := inDir(ctx, dir, basename)
		if err != nil {
			return yield("", err)
		}
		for _, name := range names {
			if !yield(joinGlob(dir, name), nil) {
				return false
			}
		}
		return true
	}

	if dirname != pattern && HasMagic(dirname) {
		cont := true
		m.iglob(ctx, dirname, func(dir string, err error) bool {
			if err != nil {
				cont = yield("", err)
				return false
			}
			cont = visit(dir)
			return cont
		})
		return cont
	}
	return visit(dirname)
}

// glob1 lists dir and keeps the names matching pattern. Hidden names only
// match patterns that start with a dot. Unreadable directories yield nothing.
func (m *PathMatcher) glob1(ctx context.Context, dir, pattern string) ([]string, error) {
	isDir, err := m.fs.IsDir(ctx, dir)
	if err != nil || !isDir {
		return nil, err
	}
	names, err := m.fs.ListDir(ctx, dir, "")
	if err != nil {
		if terrors.KindOf(err) == terrors.KindIO {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, name := range names {
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(pattern, ".") {
			continue
		}
		ok, err := MatchName(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// glob0 handles a literal basename under a magic dirname.
func (m *PathMatcher) glob0(ctx context.Context, dir, basename string) ([]string, error) {
	if basename == "" {
		ok, err := m.fs.IsDir(ctx, dir)
		if err != nil || !ok {
			return nil, err
		}
		return []string{""}, nil
	}
	ok, err := m.fs.PathExists(ctx, joinGlob(dir, basename))
	if err != nil || !ok {
		return nil, err
	}
	return []string{basename}, nil
}

// MatchName reports whether name matches the shell pattern. "[!...]" is
// accepted as negation in addition to "[^...]".
func MatchName(pattern, name string) (bool, error) {
	ok, err := path.Match(strings.ReplaceAll(pattern, "[!", "[^"), name)
	if err != nil {
		return false, terrors.Validation("glob", pattern, "bad pattern: %v", err)
	}
	return ok, nil
}

// filterNames keeps the names matching pattern; an empty pattern keeps all.
func filterNames(names []string, pattern string) ([]string, error) {
	if pattern == "" {
		return names, nil
	}
	out := names[:0:0]
	for _, n := range names {
		ok, err := MatchName(pattern, n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// splitPath splits like a shell would: "/a/b/*.txt" -> ("/a/b", "*.txt"),
// "/x" -> ("/", "x"), "x" -> ("", "x").
func splitPath(p string) (string, string) {
	i := strings.LastIndex(p, "/")
	head, tail := p[:i+1], p[i+1:]
	if trimmed := strings.TrimRight(head, "/"); trimmed != "" {
		head = trimmed
	}
	return head, tail
}

func joinGlob(dir, name string) string {
	if name == "" {
		if strings.HasSuffix(dir, "/") {
			return dir
		}
		return dir + "/"
	}
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}
