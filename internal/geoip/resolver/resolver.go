// Package resolver wraps the MaxMind databases behind lookups that degrade
// to unknown instead of failing. City, country and ASN databases load and
// fail independently; a deployment with none of them still boots.
package resolver

import (
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"

	"authd/internal/geoip/models"
)

// Resolver answers IP geolocation and ASN lookups. A nil reader for any
// database means that lookup always returns unknown.
type Resolver struct {
	city    *geoip2.Reader
	country *geoip2.Reader
	asn     *geoip2.Reader
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New opens whichever database paths are configured. An empty path skips
// that database; an unreadable file logs a warning and skips it too, because
// geolocation is advisory and must never block startup.
func New(cityPath, countryPath, asnPath string, opts ...Option) *Resolver {
	r := &Resolver{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	r.city = r.open(cityPath, "city")
	r.country = r.open(countryPath, "country")
	r.asn = r.open(asnPath, "asn")
	return r
}

func (r *Resolver) open(path, kind string) *geoip2.Reader {
	if path == "" {
		return nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		r.logger.Warn("geoip database unavailable, lookups degrade to unknown",
			"database", kind, "path", path, "error", err)
		return nil
	}
	return reader
}

// Locate resolves an IP to a location. The city database wins when present;
// the country database fills in what it can otherwise. Unparseable IPs and
// reader errors return the zero location.
func (r *Resolver) Locate(ip string) models.GeoLocation {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return models.GeoLocation{}
	}

	if r.city != nil {
		record, err := r.city.City(parsed)
		if err == nil && record != nil {
			return locationFromCity(record)
		}
		if err != nil {
			r.logger.Debug("city lookup failed", "error", err)
		}
	}
	if r.country != nil {
		record, err := r.country.Country(parsed)
		if err == nil && record != nil {
			return models.GeoLocation{
				CountryCode: record.Country.IsoCode,
				CountryName: record.Country.Names["en"],
			}
		}
		if err != nil {
			r.logger.Debug("country lookup failed", "error", err)
		}
	}
	return models.GeoLocation{}
}

// ASN resolves an IP's autonomous system. Unknown on any failure.
func (r *Resolver) ASN(ip string) models.ASNInfo {
	if r.asn == nil {
		return models.ASNInfo{}
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return models.ASNInfo{}
	}
	record, err := r.asn.ASN(parsed)
	if err != nil || record == nil {
		if err != nil {
			r.logger.Debug("asn lookup failed", "error", err)
		}
		return models.ASNInfo{}
	}
	return models.ASNInfo{
		Number:       record.AutonomousSystemNumber,
		Organization: record.AutonomousSystemOrganization,
	}
}

// Close releases the open databases.
func (r *Resolver) Close() error {
	for _, reader := range []*geoip2.Reader{r.city, r.country, r.asn} {
		if reader != nil {
			_ = reader.Close()
		}
	}
	return nil
}

func locationFromCity(record *geoip2.City) models.GeoLocation {
	loc := models.GeoLocation{
		CountryCode: record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		City:        record.City.Names["en"],
		PostalCode:  record.Postal.Code,
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
		TimeZone:    record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		loc.SubdivisionName = record.Subdivisions[0].Names["en"]
		loc.SubdivisionCode = record.Subdivisions[0].IsoCode
	}
	return loc
}
