// Package index builds and persists the farm index: the deterministic list
// of farm identifiers and their chronological image sequences, derived from
// the dataset directory tree. The index is a rebuildable cache; batch
// membership depends on its ordering, so building twice over an unchanged
// dataset must produce identical output.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/util"
	"github.com/rs/zerolog/log"

	"github.com/lewtec/harvestmark/internal/domain"
)

// artifactVersion is bumped when the serialized layout changes; a mismatch
// forces a rebuild.
const artifactVersion = 1

var imageExtensions = []string{".tif", ".tiff", ".png"}

// Index is the built farm index.
type Index struct {
	farms []*domain.FarmRecord
	byID  map[string]*domain.FarmRecord
}

type artifact struct {
	Version int         `json:"version"`
	Farms   []farmEntry `json:"farms"`
}

type farmEntry struct {
	FarmID string       `json:"farm_id"`
	Images []imageEntry `json:"images"`
}

type imageEntry struct {
	Filename string `json:"filename"`
	Label    string `json:"label"`
	Path     string `json:"path"`
}

// Build scans the dataset root once, grouping images by farm directory and
// sorting each farm's images chronologically. An unreadable root yields
// ErrDatasetUnavailable; the caller must not partition batches from a
// partial index.
func Build(fsys billy.Filesystem, root string) (*Index, error) {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: while reading dataset root %s: %v", domain.ErrDatasetUnavailable, root, err)
	}

	farmIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		// "0" is the legacy scratch directory in exported datasets.
		if !entry.IsDir() || entry.Name() == "0" {
			continue
		}
		farmIDs = append(farmIDs, entry.Name())
	}
	sort.Strings(farmIDs)

	farms := make([]*domain.FarmRecord, 0, len(farmIDs))
	for _, farmID := range farmIDs {
		farmDir := fsys.Join(root, farmID)
		files, err := fsys.ReadDir(farmDir)
		if err != nil {
			return nil, fmt.Errorf("%w: while reading farm directory %s: %v", domain.ErrDatasetUnavailable, farmDir, err)
		}

		images := make([]domain.ImageRef, 0, len(files))
		for _, file := range files {
			if file.IsDir() || !isImage(file.Name()) {
				continue
			}
			images = append(images, domain.ImageRef{
				FarmID:   farmID,
				Filename: file.Name(),
				Label:    displayLabel(file.Name()),
				Path:     fsys.Join(farmDir, file.Name()),
			})
		}
		sort.Slice(images, func(i, j int) bool {
			di, dj := parseCaptureDate(images[i].Filename), parseCaptureDate(images[j].Filename)
			if di != dj {
				return di.before(dj)
			}
			return images[i].Filename < images[j].Filename
		})

		if len(images) == 0 {
			log.Debug().Str("farm", farmID).Msg("index: skipping farm without images")
			continue
		}
		farms = append(farms, &domain.FarmRecord{ID: farmID, Images: images})
	}

	log.Info().Int("farms", len(farms)).Str("root", root).Msg("index: built")
	return newIndex(farms), nil
}

// Load reads a previously saved index artifact. A missing file or a stale
// artifact version returns ErrNotFound so the caller re-runs Build.
func Load(fsys billy.Filesystem, path string) (*Index, error) {
	data, err := util.ReadFile(fsys, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: index artifact %s", domain.ErrNotFound, path)
		}
		return nil, fmt.Errorf("while reading index artifact %s: %w", path, err)
	}

	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("while decoding index artifact %s: %w", path, err)
	}
	if art.Version != artifactVersion {
		return nil, fmt.Errorf("%w: index artifact version %d (want %d)", domain.ErrNotFound, art.Version, artifactVersion)
	}

	farms := make([]*domain.FarmRecord, 0, len(art.Farms))
	for _, fe := range art.Farms {
		images := make([]domain.ImageRef, 0, len(fe.Images))
		for _, ie := range fe.Images {
			images = append(images, domain.ImageRef{
				FarmID:   fe.FarmID,
				Filename: ie.Filename,
				Label:    ie.Label,
				Path:     ie.Path,
			})
		}
		farms = append(farms, &domain.FarmRecord{ID: fe.FarmID, Images: images})
	}
	return newIndex(farms), nil
}

// Save serializes the index so subsequent process starts skip the scan.
func (ix *Index) Save(fsys billy.Filesystem, path string) error {
	art := artifact{Version: artifactVersion, Farms: make([]farmEntry, 0, len(ix.farms))}
	for _, farm := range ix.farms {
		fe := farmEntry{FarmID: farm.ID, Images: make([]imageEntry, 0, len(farm.Images))}
		for _, img := range farm.Images {
			fe.Images = append(fe.Images, imageEntry{Filename: img.Filename, Label: img.Label, Path: img.Path})
		}
		art.Farms = append(art.Farms, fe)
	}

	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("while encoding index artifact: %w", err)
	}
	if err := util.WriteFile(fsys, path, data, 0644); err != nil {
		return fmt.Errorf("while writing index artifact %s: %w", path, err)
	}
	return nil
}

// Farm returns the record for a farm id, or ErrNotFound.
func (ix *Index) Farm(id string) (*domain.FarmRecord, error) {
	farm, ok := ix.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: farm %s", domain.ErrNotFound, id)
	}
	return farm, nil
}

// FarmIDs returns every farm id in index order.
func (ix *Index) FarmIDs() []string {
	ids := make([]string, len(ix.farms))
	for i, farm := range ix.farms {
		ids[i] = farm.ID
	}
	return ids
}

// Len returns the number of farms.
func (ix *Index) Len() int { return len(ix.farms) }

func newIndex(farms []*domain.FarmRecord) *Index {
	byID := make(map[string]*domain.FarmRecord, len(farms))
	for _, farm := range farms {
		byID[farm.ID] = farm
	}
	return &Index{farms: farms, byID: byID}
}

func isImage(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

var _ domain.FarmSource = (*Index)(nil)
