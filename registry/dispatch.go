package registry

import "github.com/gogpu/imgdag"

// Variant identifies which compute path Resolve chose.
type Variant uint8

const (
	VariantNone Variant = iota
	VariantMonolithic
	VariantTiledHP
	VariantTiledRT
)

func (v Variant) String() string {
	switch v {
	case VariantMonolithic:
		return "monolithic"
	case VariantTiledHP:
		return "tiled_hp"
	case VariantTiledRT:
		return "tiled_rt"
	default:
		return "none"
	}
}

// Resolve picks the best available variant of name for the requested
// intent (§4.2):
//
//   - GlobalHighPrecision: prefer monolithic, else tiled_hp.
//   - RealTimeUpdate: prefer tiled_rt, else tiled_hp, else monolithic.
//
// Returns an *imgdag.Error with Kind NotFound if name is unregistered, or
// Kind NoOperation if name is registered but has no variant satisfying
// the intent.
func (r *Registry) Resolve(name string, intent imgdag.ComputeIntent) (*Entry, Variant, error) {
	entry, ok := r.Get(name)
	if !ok {
		return nil, VariantNone, imgdag.NewError(imgdag.NotFound, errUnregistered(name))
	}

	switch intent {
	case imgdag.RealTimeUpdate:
		switch {
		case entry.HasTiledRT():
			return entry, VariantTiledRT, nil
		case entry.HasTiledHP():
			return entry, VariantTiledHP, nil
		case entry.HasMonolithic():
			return entry, VariantMonolithic, nil
		}
	default: // GlobalHighPrecision
		switch {
		case entry.HasMonolithic():
			return entry, VariantMonolithic, nil
		case entry.HasTiledHP():
			return entry, VariantTiledHP, nil
		}
	}

	return nil, VariantNone, imgdag.NewError(imgdag.NoOperation, errNoVariant(name, intent))
}

// Resolve looks up name on the default registry.
func Resolve(name string, intent imgdag.ComputeIntent) (*Entry, Variant, error) {
	return defaultRegistry.Resolve(name, intent)
}

// PropagateDirty maps a dirty output ROI back to the input ROI an
// operator needs, using its registered DirtyPropagator if present, or
// falling back to Metadata.HaloPixels expansion, or to the identity
// mapping if neither is set (§4.7.5, §4.9).
func (e *Entry) PropagateDirty(outputROI imgdag.Rect, params map[string]imgdag.Value) imgdag.Rect {
	if e.DirtyPropagator != nil {
		return e.DirtyPropagator(outputROI, params)
	}
	if e.Metadata.HaloPixels > 0 {
		return outputROI.Expand(e.Metadata.HaloPixels)
	}
	return outputROI
}

type registryError string

func (e registryError) Error() string { return string(e) }

func errUnregistered(name string) error {
	return registryError("registry: no operator registered for " + name)
}

func errNoVariant(name string, intent imgdag.ComputeIntent) error {
	return registryError("registry: operator " + name + " has no variant for intent " + intent.String())
}
