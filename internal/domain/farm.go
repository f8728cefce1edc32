package domain

// ImageRef points at one monthly capture of a farm parcel.
type ImageRef struct {
	FarmID   string
	Filename string
	// Label is the human readable capture date, e.g. "Oct 2024".
	Label string
	// Path is the original location inside the dataset tree.
	Path string
}

// FarmRecord is one dataset unit: a parcel with its chronological image
// sequence. Records are immutable once the index is built.
type FarmRecord struct {
	ID     string
	Images []ImageRef
}

// ImageByFilename returns the farm's image with the given filename.
func (f *FarmRecord) ImageByFilename(filename string) (ImageRef, bool) {
	for _, img := range f.Images {
		if img.Filename == filename {
			return img, true
		}
	}
	return ImageRef{}, false
}

// FarmSource resolves farm records by id. Implemented by the farm index.
type FarmSource interface {
	Farm(id string) (*FarmRecord, error)
}
