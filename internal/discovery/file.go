package discovery

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/matst80/turnbridge/internal/obs"
)

// File reads one candidate per line. Blank lines and lines starting with # are skipped.
type File struct {
	Path        string
	DefaultPort int
}

func (f File) Candidates(ctx context.Context) ([]string, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("discovery: open %s: %w", f.Path, err)
	}
	defer fh.Close()
	port := f.DefaultPort
	if port == 0 {
		port = DefaultPort
	}
	var out []string
	sc := bufio.NewScanner(fh)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		addr, err := normalize(text, port)
		if err != nil {
			obs.Warn("discovery.file.skip", obs.Fields{"path": f.Path, "line": line, "err": err})
			continue
		}
		out = append(out, addr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", f.Path, err)
	}
	return out, nil
}
