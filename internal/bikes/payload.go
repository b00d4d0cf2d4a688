// Package bikes fetches shared-bike availability around a catalog location
// from the upstream surrounding-car endpoint.
package bikes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/golang/geo/s2"

	apperrors "github.com/fourma/bikelocator/pkg/errors"
)

// earthRadiusMeters is the mean Earth radius used to turn s2 angles into
// distances.
const earthRadiusMeters = 6371010.0

// Bike is one shared bike reported near a location. Distance is in meters
// from the queried coordinates.
type Bike struct {
	Number    string  `json:"number"`
	Distance  float64 `json:"distance"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Availability is the bike list returned for one location. Total is the
// upstream's own count and may exceed len(Cars).
type Availability struct {
	Cars  []Bike `json:"cars"`
	Total int    `json:"total"`
}

type envelope struct {
	Data *struct {
		Zhuli *wireAvailability `json:"zhuli"`
	} `json:"data"`
}

type wireAvailability struct {
	Cars  *[]wireBike `json:"cars"`
	Total *number     `json:"total"`
}

type wireBike struct {
	Number    *text   `json:"number"`
	Distance  *number `json:"distance"`
	Latitude  *number `json:"latitude"`
	Longitude *number `json:"longitude"`
}

// number accepts a JSON number or a string holding one.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*n = number(v)
	return nil
}

// text accepts a JSON string, or a number which is kept verbatim.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("not a string: %s", b)
	}
	*t = text(n.String())
	return nil
}

// Parse extracts the availability block at data.zhuli from an upstream
// response body. cars and total are required, as are every bike's number and
// coordinates. A bike without a distance gets the great-circle distance from
// origin. Cars are returned nearest first.
//
// Every error wraps apperrors.ErrMalformedPayload.
func Parse(body []byte, origin s2.LatLng) (*Availability, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed("decoding response: %v", describeJSONError(err))
	}
	if env.Data == nil {
		return nil, malformed("data: field required")
	}
	w := env.Data.Zhuli
	if w == nil {
		return nil, malformed("data.zhuli: field required")
	}
	if w.Cars == nil {
		return nil, malformed("cars: field required")
	}
	if w.Total == nil {
		return nil, malformed("total: field required")
	}
	total := float64(*w.Total)
	if total != math.Trunc(total) || math.IsInf(total, 0) {
		return nil, malformed("total: %v is not an integer", total)
	}
	if math.Abs(total) > math.MaxInt32 {
		return nil, malformed("total: %v is out of range", total)
	}

	out := &Availability{
		Cars:  make([]Bike, 0, len(*w.Cars)),
		Total: int(total),
	}
	for i, wb := range *w.Cars {
		switch {
		case wb.Number == nil:
			return nil, malformed("cars[%d].number: field required", i)
		case wb.Latitude == nil:
			return nil, malformed("cars[%d].latitude: field required", i)
		case wb.Longitude == nil:
			return nil, malformed("cars[%d].longitude: field required", i)
		}
		b := Bike{
			Number:    string(*wb.Number),
			Latitude:  float64(*wb.Latitude),
			Longitude: float64(*wb.Longitude),
		}
		if wb.Distance != nil {
			b.Distance = float64(*wb.Distance)
		} else {
			b.Distance = DistanceMeters(origin, s2.LatLngFromDegrees(b.Latitude, b.Longitude))
		}
		out.Cars = append(out.Cars, b)
	}
	sort.SliceStable(out.Cars, func(i, j int) bool {
		return out.Cars[i].Distance < out.Cars[j].Distance
	})
	return out, nil
}

// DistanceMeters returns the great-circle distance between a and b, rounded
// to the centimeter.
func DistanceMeters(a, b s2.LatLng) float64 {
	m := a.Distance(b).Radians() * earthRadiusMeters
	return math.Round(m*100) / 100
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func describeJSONError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("%s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	return err.Error()
}
