package spider

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ParseSeedFile reads a newline-delimited seed list: one node id per
// non-empty line, lines starting with '#' are comments. The file takes
// precedence over inline seeds when both are configured.
func ParseSeedFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, configErrorf("seed_file", "cannot open %q: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed file %q: %w", path, err)
	}
	return ids, nil
}

// initialSeeds resolves the configured seed sources into a per-layer id
// mapping. A flat list (inline or from seed_file) is applied to every
// declared layer.
func initialSeeds(cfg *Config) (map[string][]string, error) {
	perLayer := make(map[string][]string)

	if cfg.SeedFile != "" {
		ids, err := ParseSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		for _, layer := range cfg.LayerNames() {
			perLayer[layer] = append([]string(nil), ids...)
		}
		return perLayer, nil
	}

	for layer, ids := range cfg.Seeds.ByLayer {
		perLayer[layer] = append(perLayer[layer], ids...)
	}
	if len(cfg.Seeds.Flat) > 0 {
		for _, layer := range cfg.LayerNames() {
			perLayer[layer] = append(perLayer[layer], cfg.Seeds.Flat...)
		}
	}
	return perLayer, nil
}
