package imgdag

// ComputeIntent selects which operator variant the registry prefers and
// which forward-execution path the engine takes (§4.2, §4.9).
type ComputeIntent uint8

const (
	// GlobalHighPrecision requests a full recompute, or a planned HP
	// update: prefer monolithic, else tiled_hp.
	GlobalHighPrecision ComputeIntent = iota

	// RealTimeUpdate requests a coarse, low-latency update over a dirty
	// ROI: prefer tiled_rt, else tiled_hp, else monolithic. A dirty ROI
	// is required for this intent.
	RealTimeUpdate
)

func (i ComputeIntent) String() string {
	if i == RealTimeUpdate {
		return "RealTimeUpdate"
	}
	return "GlobalHighPrecision"
}

// Precision selects the on-disk pixel encoding for the cache service
// (§4.5, §6.2).
type Precision uint8

const (
	// PrecisionNative writes/reads pixels at the buffer's own DType,
	// with no quantization.
	PrecisionNative Precision = iota
	// PrecisionInt8 quantizes to u8 (*255 on write, /255 on read).
	PrecisionInt8
	// PrecisionInt16 quantizes to u16 (*65535 on write, /65535 on read).
	PrecisionInt16
)

func (p Precision) String() string {
	switch p {
	case PrecisionInt8:
		return "int8"
	case PrecisionInt16:
		return "int16"
	default:
		return "native"
	}
}

// TilePreference hints at the granularity an operator's tiled variant
// prefers to be called at (§4.2 metadata.tile_preference).
type TilePreference uint8

const (
	TileNormal TilePreference = iota
	TileMicro
	TileMacro
)

func (t TilePreference) String() string {
	switch t {
	case TileMicro:
		return "MICRO"
	case TileMacro:
		return "MACRO"
	default:
		return "NORMAL"
	}
}

// Dirty-ROI planner constants (§4.9).
const (
	// DownsampleFactor is D: the RT slot is a D-times box-filter
	// downsample of the HP slot.
	DownsampleFactor = 4

	// RTTileSize is the tile edge length used for RT forward execution.
	RTTileSize = 16

	// HPMicroTileSize is the tile edge length used for HP forward
	// execution when a macro tile only partially overlaps the planned
	// ROI.
	HPMicroTileSize = 64

	// HPMacroTileSize is the tile edge length tried first for HP forward
	// execution; fully-covered macro tiles are processed as one call.
	HPMacroTileSize = 256

	// HPAlignment is the alignment applied to HP dirty ROIs during
	// planning: D * RTTileSize.
	HPAlignment = DownsampleFactor * RTTileSize
)
