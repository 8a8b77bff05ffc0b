// Package localdb is a provider backed by a local SQLite timetable.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/provider"
	"github.com/mattjoyce/pt2/internal/storage"
	"github.com/mattjoyce/pt2/internal/transit"
)

// Name is the plugin name passed to pt2-provider --plugin.
const Name = "localdb"

const (
	// MinQueryLength is the shortest partial name that is searched.
	MinQueryLength = 3

	keyDBIdentifier = "db_identifier"
	keyCode         = "code"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stations (
  id              INTEGER PRIMARY KEY,
  name            TEXT NOT NULL,
  name_unaccented TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS lines (
  code            TEXT PRIMARY KEY,
  name            TEXT NOT NULL,
  name_unaccented TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS rides (
  id             INTEGER PRIMARY KEY,
  line_code      TEXT NOT NULL REFERENCES lines(code),
  direction_code TEXT NOT NULL,
  direction_name TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS station_rides (
  station_id   INTEGER NOT NULL REFERENCES stations(id),
  ride_id      INTEGER NOT NULL REFERENCES rides(id),
  station_code TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (station_id, ride_id)
);`,
	`CREATE INDEX IF NOT EXISTS stations_name_unaccented_idx ON stations(name_unaccented);`,
	`CREATE INDEX IF NOT EXISTS lines_name_unaccented_idx ON lines(name_unaccented);`,
}

// Options configures the provider.
type Options struct {
	// Path of the timetable database.
	Path string
	// IdentifierPrefix prefixes every emitted identifier.
	IdentifierPrefix string
	// CompanyName names the single company that operates every line.
	CompanyName string
	Copyright   string
}

// Provider answers station, line and ride queries from SQLite.
type Provider struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
}

// Open opens (creating if needed) the timetable at opts.Path.
func Open(ctx context.Context, opts Options) (*Provider, error) {
	if opts.IdentifierPrefix == "" {
		opts.IdentifierPrefix = "org.SfietKonstantin.pt2.localdb"
	}
	if opts.CompanyName == "" {
		opts.CompanyName = "Local transit"
	}
	if opts.Copyright == "" {
		opts.Copyright = "Local timetable data."
	}
	db, err := storage.OpenSQLite(ctx, opts.Path, schema)
	if err != nil {
		return nil, fmt.Errorf("open timetable: %w", err)
	}
	return &Provider{db: db, opts: opts, logger: log.WithComponent("localdb")}, nil
}

// Close closes the database.
func (p *Provider) Close() error {
	return p.db.Close()
}

func (p *Provider) Capabilities() []string {
	return []string{
		protocol.CapabilitySuggestStations,
		protocol.CapabilitySuggestLines,
		protocol.CapabilityRidesFromStation,
	}
}

func (p *Provider) Copyright() string { return p.opts.Copyright }

func (p *Provider) identifier(id any) string {
	return fmt.Sprintf("%s/%v", p.opts.IdentifierPrefix, id)
}

// Unaccent strips combining marks, so "Châtelet" becomes "Chatelet".
func Unaccent(s string) string {
	marks := runes.Predicate(func(r rune) bool { return unicode.In(r, unicode.Mn, unicode.Mc) })
	t := transform.Chain(norm.NFD, runes.Remove(marks), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SuggestStations returns stations whose name starts with partial, then
// those that contain it elsewhere. Queries shorter than MinQueryLength
// return nothing.
func (p *Provider) SuggestStations(ctx context.Context, partial string) ([]transit.Station, error) {
	var stations []transit.Station
	err := p.prefixThenInfix(ctx, "stations", "id", partial, func(key, name string) {
		id, _ := strconv.ParseInt(key, 10, 64)
		stations = append(stations, transit.NewStation(p.identifier(id), map[string]any{keyDBIdentifier: id}, name, nil))
	})
	if err != nil {
		p.logger.Warn("station query failed", "error", err)
		return nil, provider.Warning("Failed to query stations from DB.")
	}
	return stations, nil
}

// SuggestLines returns lines matched the same way as SuggestStations.
func (p *Provider) SuggestLines(ctx context.Context, partial string) ([]transit.Line, error) {
	var lines []transit.Line
	err := p.prefixThenInfix(ctx, "lines", "code", partial, func(code, name string) {
		lines = append(lines, transit.NewLine(p.identifier(code), map[string]any{keyCode: code}, name, nil))
	})
	if err != nil {
		p.logger.Warn("line query failed", "error", err)
		return nil, provider.Warning("Failed to query lines from DB.")
	}
	return lines, nil
}

func (p *Provider) prefixThenInfix(ctx context.Context, table, keyCol, partial string, emit func(key, name string)) error {
	if len([]rune(partial)) < MinQueryLength {
		return nil
	}
	q := escapeLike(Unaccent(partial))
	prefix := q + "%"
	infix := "%" + q + "%"

	queries := []struct {
		sql  string
		args []any
	}{
		{
			sql: fmt.Sprintf(`SELECT CAST(%s AS TEXT), name FROM %s WHERE name_unaccented LIKE ? ESCAPE '\' ORDER BY name_unaccented;`,
				keyCol, table),
			args: []any{prefix},
		},
		{
			sql: fmt.Sprintf(`SELECT CAST(%s AS TEXT), name FROM %s WHERE name_unaccented LIKE ? ESCAPE '\' AND name_unaccented NOT LIKE ? ESCAPE '\' ORDER BY name_unaccented;`,
				keyCol, table),
			args: []any{infix, prefix},
		},
	}
	for _, query := range queries {
		if err := p.scanPairs(ctx, query.sql, query.args, emit); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) scanPairs(ctx context.Context, query string, args []any, emit func(a, b string)) error {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return err
		}
		emit(a, b)
	}
	return rows.Err()
}

// RidesFromStation returns the rides calling at station, grouped by line
// under a single company.
func (p *Provider) RidesFromStation(ctx context.Context, station transit.Station) ([]transit.CompanyNodeData, error) {
	stationID, ok := dbIdentifier(station.Internal[keyDBIdentifier])
	if !ok {
		return nil, &provider.Error{ID: protocol.ErrorInvalidRequestType, Message: "station was not issued by this backend"}
	}

	rows, err := p.db.QueryContext(ctx, `
SELECT r.id, r.line_code, l.name, r.direction_code, r.direction_name, sr.station_code
FROM rides r
INNER JOIN lines l ON l.code = r.line_code
INNER JOIN station_rides sr ON sr.ride_id = r.id
WHERE sr.station_id = ?
ORDER BY r.line_code, r.id;`, stationID)
	if err != nil {
		p.logger.Warn("ride query failed", "error", err)
		return nil, provider.Warning("Failed to query rides from DB.")
	}
	defer rows.Close()

	company := transit.CompanyNodeData{
		Company: transit.NewCompany(p.identifier(0), nil, p.opts.CompanyName, nil),
	}
	index := make(map[string]int)
	for rows.Next() {
		var (
			rideID                                         int64
			lineCode, lineName, dirCode, dirName, stopCode string
		)
		if err := rows.Scan(&rideID, &lineCode, &lineName, &dirCode, &dirName, &stopCode); err != nil {
			return nil, provider.Warning("Failed to read rides from DB.")
		}

		i, seen := index[lineCode]
		if !seen {
			i = len(company.Lines)
			index[lineCode] = i
			company.Lines = append(company.Lines, transit.LineNodeData{
				Line: transit.NewLine(p.identifier(lineCode), map[string]any{keyCode: lineCode}, lineName, nil),
			})
		}

		internal := make(map[string]any, len(station.Internal)+1)
		for k, v := range station.Internal {
			internal[k] = v
		}
		internal[keyCode] = stopCode
		stop := transit.NewStation(station.Identifier, internal, station.Name, station.Properties)

		company.Lines[i].Rides = append(company.Lines[i].Rides, transit.RideNodeData{
			Ride:     transit.NewRide(p.identifier(rideID), map[string]any{keyCode: dirCode}, dirName, nil),
			Stations: []transit.Station{stop},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, provider.Warning("Failed to read rides from DB.")
	}
	return []transit.CompanyNodeData{company}, nil
}

// dbIdentifier accepts the id in any of the shapes it takes after a JSON
// round trip.
func dbIdentifier(v any) (int64, bool) {
	switch id := v.(type) {
	case int64:
		return id, true
	case int:
		return int64(id), true
	case float64:
		return int64(id), id == float64(int64(id))
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// AddStation inserts a station and returns its id.
func (p *Provider) AddStation(ctx context.Context, name string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO stations (name, name_unaccented) VALUES (?, ?);`, name, Unaccent(name))
	if err != nil {
		return 0, fmt.Errorf("insert station: %w", err)
	}
	return res.LastInsertId()
}

// AddLine inserts or renames a line.
func (p *Provider) AddLine(ctx context.Context, code, name string) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO lines (code, name, name_unaccented) VALUES (?, ?, ?)
ON CONFLICT(code) DO UPDATE SET name = excluded.name, name_unaccented = excluded.name_unaccented;`,
		code, name, Unaccent(name))
	if err != nil {
		return fmt.Errorf("insert line: %w", err)
	}
	return nil
}

// Stop is a ride calling at a station.
type Stop struct {
	StationID int64
	Code      string
}

// AddRide inserts a ride of lineCode towards direction and its stops.
func (p *Provider) AddRide(ctx context.Context, lineCode, directionCode, directionName string, stops []Stop) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO rides (line_code, direction_code, direction_name) VALUES (?, ?, ?);`,
		lineCode, directionCode, directionName)
	if err != nil {
		return 0, fmt.Errorf("insert ride: %w", err)
	}
	rideID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, s := range stops {
		if _, err := tx.ExecContext(ctx, `INSERT INTO station_rides (station_id, ride_id, station_code) VALUES (?, ?, ?);`,
			s.StationID, rideID, s.Code); err != nil {
			return 0, fmt.Errorf("insert stop: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return rideID, nil
}
