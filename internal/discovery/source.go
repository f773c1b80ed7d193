// Package discovery reads periodic node state snapshots and reports which
// addresses hold positions as of each snapshot generation.
package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/logging"
)

// SnapshotExt is the extension of snapshot files.
const SnapshotExt = ".rmp"

// Handle identifies one snapshot file. Generation is the block height in its name.
type Handle struct {
	Path       string
	Date       string
	Generation int64
	Size       int64
}

// Discovery is the result of reading one snapshot.
type Discovery struct {
	Generation int64
	Path       string
	Addresses  []domain.Address // sorted, unique
	PerMarket  map[domain.Market]int
	Users      int // user entries scanned
}

// Options configures a Source.
type Options struct {
	BasePath     string
	MinFileBytes int64
	// Markets limits discovery to these markets. Empty means every market.
	Markets []domain.Market
	Logger  zerolog.Logger
}

// Source lists and decodes snapshots under a base directory laid out as
// <base>/<date>/<height>.rmp.
type Source struct {
	basePath string
	minBytes int64
	markets  domain.MarketSet
	logger   zerolog.Logger
}

// NewSource creates a snapshot source.
func NewSource(opts Options) *Source {
	return &Source{
		basePath: opts.BasePath,
		minBytes: opts.MinFileBytes,
		markets:  domain.NewMarketSet(opts.Markets),
		logger:   logging.Component(opts.Logger, "discovery"),
	}
}

// Pending returns snapshots with generation above highWater, oldest first.
// Files smaller than the minimum size are assumed to be still in progress and skipped.
func (s *Source) Pending(ctx context.Context, highWater int64) ([]Handle, error) {
	dates, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Str("path", s.basePath).Msg("snapshot base path does not exist")
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot base: %w", err)
	}

	var handles []Handle
	for _, d := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.IsDir() || !isDateDir(d.Name()) {
			continue
		}

		dir := filepath.Join(s.basePath, d.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read snapshot dir %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != SnapshotExt {
				continue
			}
			height, err := strconv.ParseInt(strings.TrimSuffix(f.Name(), SnapshotExt), 10, 64)
			if err != nil || height <= highWater {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.Size() < s.minBytes {
				continue
			}
			handles = append(handles, Handle{
				Path:       filepath.Join(dir, f.Name()),
				Date:       d.Name(),
				Generation: height,
				Size:       info.Size(),
			})
		}
	}

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Generation < handles[j].Generation
	})
	return handles, nil
}

// HandleFor builds a handle for a file named <height>.rmp.
func HandleFor(path string) (Handle, error) {
	name := filepath.Base(path)
	if filepath.Ext(name) != SnapshotExt {
		return Handle{}, fmt.Errorf("%w: %s is not a %s file", ErrSnapshotUnreadable, path, SnapshotExt)
	}
	height, err := strconv.ParseInt(strings.TrimSuffix(name, SnapshotExt), 10, 64)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s has no height: %v", ErrSnapshotUnreadable, path, err)
	}
	return Handle{Path: path, Date: filepath.Base(filepath.Dir(path)), Generation: height}, nil
}

// Discover decodes the snapshot and returns every address holding a non-zero
// position in a target market. Any decode error rejects the whole snapshot.
func (s *Source) Discover(ctx context.Context, h Handle, highWater int64) (Discovery, error) {
	if h.Generation <= highWater {
		return Discovery{}, &Error{Kind: ErrSnapshotStale, Path: h.Path, Generation: h.Generation,
			Err: fmt.Errorf("last processed generation is %d", highWater)}
	}
	if err := ctx.Err(); err != nil {
		return Discovery{}, err
	}

	info, err := os.Stat(h.Path)
	if err != nil {
		return Discovery{}, unreadable(h, err)
	}
	if info.Size() < s.minBytes {
		return Discovery{}, unreadable(h, fmt.Errorf("truncated: %d bytes", info.Size()))
	}

	f, err := os.Open(h.Path)
	if err != nil {
		return Discovery{}, unreadable(h, err)
	}
	defer f.Close()

	var snap snapshotFile
	if err := msgpack.NewDecoder(bufio.NewReaderSize(f, 1<<20)).Decode(&snap); err != nil {
		return Discovery{}, unreadable(h, fmt.Errorf("decode: %w", err))
	}

	d, err := s.extract(&snap)
	if err != nil {
		return Discovery{}, unreadable(h, err)
	}
	d.Generation = h.Generation
	d.Path = h.Path

	s.logger.Info().
		Int64("generation", d.Generation).
		Int("users", d.Users).
		Int("addresses", len(d.Addresses)).
		Msg("snapshot discovered")
	return d, nil
}

func (s *Source) extract(snap *snapshotFile) (Discovery, error) {
	if snap.Exchange == nil {
		return Discovery{}, errors.New("missing exchange section")
	}

	var (
		universe []universeAsset
		tables   []userTable
	)
	for _, dex := range snap.Exchange.PerpDexs {
		ch := dex.Clearinghouse
		if ch == nil {
			continue
		}
		if universe == nil && ch.Meta != nil && len(ch.Meta.Universe) > 0 {
			universe = ch.Meta.Universe
		}
		switch {
		case ch.UserStates != nil && ch.UserStates.UserToState != nil:
			tables = append(tables, *ch.UserStates.UserToState)
		case ch.Books != nil:
			tables = append(tables, *ch.Books)
		}
	}
	if len(tables) == 0 {
		return Discovery{}, errors.New("no clearinghouse user states")
	}

	seen := make(map[domain.Address]struct{})
	d := Discovery{PerMarket: make(map[domain.Market]int)}
	for _, table := range tables {
		for _, u := range table {
			d.Users++
			addr, err := domain.ParseAddress(u.Address)
			if err != nil {
				return Discovery{}, fmt.Errorf("user %q: %w", u.Address, err)
			}
			if addr.IsSystem() {
				continue
			}

			held := false
			for _, h := range u.Holdings {
				coin := h.Coin
				if h.Index >= 0 {
					if universe == nil {
						return Discovery{}, errors.New("legacy positions without meta.universe")
					}
					if h.Index >= len(universe) {
						return Discovery{}, fmt.Errorf("user %s: asset index %d outside universe of %d", addr, h.Index, len(universe))
					}
					coin = strings.ToUpper(universe[h.Index].Name)
				}
				if coin == "" {
					return Discovery{}, fmt.Errorf("user %s: position without coin", addr)
				}
				market := domain.Market(coin)
				if !s.markets.Contains(market) {
					continue
				}
				d.PerMarket[market]++
				held = true
			}
			if held {
				if _, dup := seen[addr]; !dup {
					seen[addr] = struct{}{}
					d.Addresses = append(d.Addresses, addr)
				}
			}
		}
	}

	domain.SortAddresses(d.Addresses)
	return d, nil
}

func isDateDir(name string) bool {
	digits := strings.ReplaceAll(name, "-", "")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
