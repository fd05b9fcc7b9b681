package types

import (
	"strconv"

	"github.com/m-mizutani/goerr/v2"
)

// LayerID classifies a notification for cadence purposes. The zero value is never a valid layer;
// the "no restrictions" layer is LayerPlatform and is detected with BypassesCadence, never by
// comparing against zero.
type LayerID int

const (
	// LayerPlatform is for platform-wide announcements. It bypasses every cadence rule.
	LayerPlatform LayerID = 1
	// LayerProductTrending covers product and trending pushes.
	LayerProductTrending LayerID = 2
	// LayerBehaviorResponsive covers pushes triggered by user behavior.
	LayerBehaviorResponsive LayerID = 3
	// LayerTest is reserved for internal test sends.
	LayerTest LayerID = 4
	// LayerNewUserSeries covers the onboarding series for new users.
	LayerNewUserSeries LayerID = 5
)

var layerNames = map[LayerID]string{
	LayerPlatform:           "platform",
	LayerProductTrending:    "product_trending",
	LayerBehaviorResponsive: "behavior_responsive",
	LayerTest:               "test",
	LayerNewUserSeries:      "new_user_series",
}

var layerDescriptions = map[LayerID]string{
	LayerPlatform:           "Platform-wide critical announcements, never rate limited",
	LayerProductTrending:    "Product and trending content",
	LayerBehaviorResponsive: "Pushes responding to recent user behavior",
	LayerTest:               "Internal test sends",
	LayerNewUserSeries:      "Onboarding series for new users",
}

// AllLayers returns all known layers in ascending order
func AllLayers() []LayerID {
	return []LayerID{
		LayerPlatform,
		LayerProductTrending,
		LayerBehaviorResponsive,
		LayerTest,
		LayerNewUserSeries,
	}
}

// IsValid reports whether l is a known layer
func (l LayerID) IsValid() bool {
	_, ok := layerNames[l]
	return ok
}

// Validate returns an error if l is not a known layer
func (l LayerID) Validate() error {
	if !l.IsValid() {
		return goerr.New("unknown layer", goerr.V("layer_id", int(l)))
	}
	return nil
}

// BypassesCadence reports whether sends of this layer skip every cadence rule
func (l LayerID) BypassesCadence() bool {
	return l == LayerPlatform
}

// Name returns the short name of the layer
func (l LayerID) Name() string {
	if name, ok := layerNames[l]; ok {
		return name
	}
	return "unknown"
}

// Description returns a human readable description of the layer
func (l LayerID) Description() string {
	return layerDescriptions[l]
}

func (l LayerID) String() string {
	return strconv.Itoa(int(l))
}

// ParseLayerID parses a decimal layer number and validates it
func ParseLayerID(s string) (LayerID, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, goerr.Wrap(err, "layer must be a number", goerr.V("layer_id", s))
	}
	layer := LayerID(n)
	if err := layer.Validate(); err != nil {
		return 0, err
	}
	return layer, nil
}
