package core

import (
	"fmt"
)

// ProductType identifies the kind of media product
type ProductType string

const (
	ProductTrack    ProductType = "track"
	ProductVideo    ProductType = "video"
	ProductAlbum    ProductType = "album"
	ProductPlaylist ProductType = "playlist"
)

// IsCollection reports whether products of this type group other products
func (t ProductType) IsCollection() bool {
	return t == ProductAlbum || t == ProductPlaylist
}

// Valid reports whether t is a known product type
func (t ProductType) Valid() bool {
	switch t {
	case ProductTrack, ProductVideo, ProductAlbum, ProductPlaylist:
		return true
	}
	return false
}

// MediaProduct is a playable item or a collection of them that can be
// taken offline
type MediaProduct struct {
	Type  ProductType `yaml:"type" json:"type"`
	ID    string      `yaml:"id" json:"id"`
	Title string      `yaml:"title,omitempty" json:"title,omitempty"`
	// URL locates the bytes of a track or video. Collections have none.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Items are the members of a collection, in playback order
	Items []MediaProduct `yaml:"items,omitempty" json:"items,omitempty"`
}

// Key returns a stable identifier unique across product types
func (p MediaProduct) Key() string {
	return string(p.Type) + ":" + p.ID
}

func (p MediaProduct) String() string {
	if p.Title != "" {
		return fmt.Sprintf("%s %q (%s)", p.Type, p.Title, p.ID)
	}
	return fmt.Sprintf("%s %s", p.Type, p.ID)
}

// Validate checks if MediaProduct has required fields
func (p *MediaProduct) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("media product ID cannot be empty")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("media product type must be 'track', 'video', 'album' or 'playlist', got: %q", p.Type)
	}

	if !p.Type.IsCollection() {
		if p.URL == "" {
			return fmt.Errorf("%s URL cannot be empty", p.Type)
		}
		if len(p.Items) > 0 {
			return fmt.Errorf("%s %s cannot contain items", p.Type, p.ID)
		}
		return nil
	}

	seen := make(map[string]bool, len(p.Items))
	for i := range p.Items {
		item := &p.Items[i]
		if item.Type.IsCollection() {
			return fmt.Errorf("%s %s item %d: nested collections are not supported", p.Type, p.ID, i)
		}
		if err := item.Validate(); err != nil {
			return fmt.Errorf("%s %s item %d: %w", p.Type, p.ID, i, err)
		}
		if seen[item.Key()] {
			return fmt.Errorf("%s %s lists %s twice", p.Type, p.ID, item.Key())
		}
		seen[item.Key()] = true
	}
	return nil
}
