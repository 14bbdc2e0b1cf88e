package engineer

// Scene exports follow a fixed band contract: 17 dynamic bands repeated per
// timestep, then 2 static bands once per scene. Instances keep 15 dynamic
// bands (B1 and B10 are dropped), both statics, and an appended NDVI.
const (
	NumTimesteps    = 12
	DaysPerTimestep = 30

	numDynamicBands = 17
	numStaticBands  = 2

	// RawBandsPerTimestep is the per-timestep width after static bands are
	// repeated into every timestep.
	RawBandsPerTimestep = numDynamicBands + numStaticBands

	// SceneBandCount is the first axis of a scene export.
	SceneBandCount = NumTimesteps*numDynamicBands + numStaticBands

	// FinalBandsPerTimestep is the instance width: raw minus the removed
	// bands, plus NDVI.
	FinalBandsPerTimestep = RawBandsPerTimestep - 2 + 1
)

// DynamicBands in raw export order.
var DynamicBands = []string{
	"VV", "VH",
	"B1", "B2", "B3", "B4", "B5", "B6", "B7", "B8", "B8A", "B9", "B10", "B11", "B12",
	"temperature_2m", "total_precipitation",
}

// StaticBands appended once per scene.
var StaticBands = []string{"elevation", "slope"}

// RemovedBands carry no crop signal at export resolution and are dropped
// from instances.
var RemovedBands = []string{"B1", "B10"}

// NDVIBand is appended after band removal.
const NDVIBand = "ndvi"

var (
	rawIndexes   map[string]int
	finalIndexes map[string]int

	// FinalBands is the instance band order.
	FinalBands []string
)

func init() {
	rawIndexes = make(map[string]int, RawBandsPerTimestep)
	for i, b := range DynamicBands {
		rawIndexes[b] = i
	}
	for i, b := range StaticBands {
		rawIndexes[b] = numDynamicBands + i
	}

	removed := make(map[string]bool, len(RemovedBands))
	for _, b := range RemovedBands {
		removed[b] = true
	}

	FinalBands = make([]string, 0, FinalBandsPerTimestep)
	for _, b := range DynamicBands {
		if !removed[b] {
			FinalBands = append(FinalBands, b)
		}
	}
	FinalBands = append(FinalBands, StaticBands...)
	FinalBands = append(FinalBands, NDVIBand)

	finalIndexes = make(map[string]int, len(FinalBands))
	for i, b := range FinalBands {
		finalIndexes[b] = i
	}
}

// RawIndex is a band's column in the per-timestep raw layout, -1 when the
// band is unknown.
func RawIndex(band string) int {
	if i, ok := rawIndexes[band]; ok {
		return i
	}
	return -1
}

// FinalIndex is a band's column in the instance layout, -1 when the band is
// unknown or removed.
func FinalIndex(band string) int {
	if i, ok := finalIndexes[band]; ok {
		return i
	}
	return -1
}
