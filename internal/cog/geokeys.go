package cog

import (
	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// GeoTIFF key ids.
const (
	keyModelType    = 1024
	keyGeographicCS = 2048
	keyProjectedCS  = 3072
)

const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2
)

// Supported coordinate reference systems.
const (
	EPSGWebMercator = 3857
	EPSGWGS84       = 4326
)

// parseGeoKeys extracts the EPSG code from a GeoKeyDirectory. Entries are
// quads of (key id, tag location, count, value); short values live inline
// with tag location zero.
func parseGeoKeys(dir []uint64) (int, error) {
	if len(dir) < 4 || len(dir)%4 != 0 {
		return 0, apperr.New(apperr.KindInvalidArchiveFormat, "malformed geo key directory")
	}

	keys := make(map[uint64]uint64)
	for i := 4; i+3 < len(dir); i += 4 {
		keyID, tagLoc, value := dir[i], dir[i+1], dir[i+3]
		if tagLoc == 0 {
			keys[keyID] = value
		}
	}

	modelType, ok := keys[keyModelType]
	if !ok {
		return 0, apperr.New(apperr.KindInvalidArchiveFormat, "raster missing model type geo key")
	}

	var epsg uint64
	switch modelType {
	case modelTypeProjected:
		epsg = keys[keyProjectedCS]
	case modelTypeGeographic:
		epsg = keys[keyGeographicCS]
	default:
		return 0, apperr.New(apperr.KindInvalidArchiveFormat,
			"unsupported model type %d", modelType)
	}

	switch epsg {
	case EPSGWebMercator, EPSGWGS84:
		return int(epsg), nil
	default:
		return 0, apperr.New(apperr.KindInvalidArchiveFormat,
			"unsupported coordinate system EPSG:%d; reproject to EPSG:3857 or EPSG:4326", epsg)
	}
}
