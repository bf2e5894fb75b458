package seal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DigestPrefix names the digest algorithm in every content digest.
const DigestPrefix = "sha256:"

// TimeFormat is the textual form of created_at covered by the custody signature.
const TimeFormat = time.RFC3339Nano

// NoGeoSentinel stands in for an absent geolocation in the custody signature.
const NoGeoSentinel = "nogeo"

// Digest returns the content digest of canonical payload bytes.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// Geo is an optional coordinate attached at seal time.
type Geo struct {
	Lat       float64 `json:"lat" yaml:"lat"`
	Lon       float64 `json:"lon" yaml:"lon"`
	AccuracyM float64 `json:"accuracy_m" yaml:"accuracy_m"`
}

// GeoString is the signature form of g, or NoGeoSentinel when g is nil.
func GeoString(g *Geo) string {
	if g == nil {
		return NoGeoSentinel
	}
	return fmt.Sprintf("%.7f,%.7f,%.2f", g.Lat, g.Lon, g.AccuracyM)
}

// Signature derives the custody signature: H(content_digest | created_at | geo_or_sentinel).
// It is a pure function of its inputs.
func Signature(contentDigest string, createdAt time.Time, g *Geo) string {
	h := sha256.New()
	h.Write([]byte(contentDigest))
	h.Write([]byte{'|'})
	h.Write([]byte(createdAt.UTC().Format(TimeFormat)))
	h.Write([]byte{'|'})
	h.Write([]byte(GeoString(g)))
	return hex.EncodeToString(h.Sum(nil))
}
