package ingest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgingest/internal/cast"
	"github.com/jfoltran/pgingest/internal/metrics"
)

// catalogFetcher implements RelationFetcher against a plain connection by
// reading the system catalogs directly — the pgoutput RelationMessage
// itself carries enough to validate compatibility, but a fresh catalog read
// is the authority when the engine wants the current shape independent of
// what the stream happened to announce.
type catalogFetcher struct {
	conn *pgconn.PgConn
}

func (f *catalogFetcher) FetchSchema(ctx context.Context, oid uint32) (TableSchema, error) {
	rr := f.conn.ExecParams(ctx, `
		SELECT n.nspname, c.relname, a.attname, a.atttypid, a.attnotnull, a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`,
		[][]byte{[]byte(fmt.Sprintf("%d", oid))}, nil, nil, nil)

	var schema TableSchema
	schema.OID = oid
	for rr.NextRow() {
		vals := rr.Values()
		if len(vals) != 6 {
			continue
		}
		schema.Namespace = string(vals[0])
		schema.Name = string(vals[1])
		typeOID, _ := strconv.ParseUint(string(vals[3]), 10, 32)
		typeMod, _ := strconv.ParseInt(string(vals[5]), 10, 32)
		schema.Columns = append(schema.Columns, Column{
			Name:         string(vals[2]),
			TypeOID:      uint32(typeOID),
			Nullable:     string(vals[4]) != "t",
			TypeModifier: int32(typeMod),
		})
	}
	if _, err := rr.Close(); err != nil {
		return schema, Classify("fetch catalog schema", err)
	}
	return schema, nil
}

// Config is everything a Source needs to run the ingestion engine for one
// publication end to end.
type Config struct {
	SlotName          string
	Publication       string
	FeedbackInterval  time.Duration
	WALLagGracePeriod time.Duration
	ChunkTimeout      time.Duration
	QueueDepth        int
}

// Source composes the bootstrap, snapshot, rewind, and decode phases into
// one supervised run loop emitting OutputRecords onto a ChannelBridge
// (spec §4, §7).
type Source struct {
	replConn *pgconn.PgConn // replication=database connection, used for slot ops + streaming
	plainConn *pgconn.PgConn // ordinary connection, used for catalog reads + fast-forward probing

	cfg       Config
	tables    map[uint32]*SourceTable
	resumeLsn *ResumeLsn
	bridge    *ChannelBridge
	collector *metrics.Collector
	logger    zerolog.Logger
}

// NewSource wires the engine's collaborators. tables must be pre-populated
// with one SourceTable per relation the publication exposes, in the stable
// output order the downstream consumer expects.
func NewSource(replConn, plainConn *pgconn.PgConn, cfg Config, tables map[uint32]*SourceTable,
	collector *metrics.Collector, logger zerolog.Logger) *Source {

	return &Source{
		replConn:  replConn,
		plainConn: plainConn,
		cfg:       cfg,
		tables:    tables,
		resumeLsn: &ResumeLsn{},
		bridge:    NewChannelBridge(cfg.QueueDepth),
		collector: collector,
		logger:    logger.With().Str("component", "source").Logger(),
	}
}

// Output returns the channel downstream consumers read OutputRecords from.
func (s *Source) Output() <-chan OutputRecord {
	return s.bridge.Receive()
}

// ResumeLsn exposes the shared resume floor so a downstream committer can
// call CommitOffset as it durably applies records.
func (s *Source) ResumeLsn() *ResumeLsn {
	return s.resumeLsn
}

// Supervisor builds the supervised run loop for this source. coldStart
// reflects only whether this is the first attempt of this process's
// Supervisor.Run invocation, which is not the signal that decides bootstrap:
// runOnce instead gates on the resume frontier itself (s.resumeLsn), since
// only that tells whether a downstream consumer already has confirmed
// progress to preserve (spec §2, §4.8).
func (s *Source) Supervisor() *Supervisor {
	return NewSupervisor(s.runOnce, s.logger)
}

func (s *Source) runOnce(ctx context.Context, _ bool) error {
	if resumed := s.resumeLsn.Load(); resumed != 0 {
		return s.streamFrom(ctx, resumed)
	}

	slots := NewSlotManager(s.replConn, s.cfg.SlotName, s.cfg.Publication, s.logger)

	info, err := slots.Prepare(ctx)
	if err != nil {
		return err
	}

	coalescer := NewCoalescer(s.bridge)

	// The resume frontier was zero, meaning no downstream consumer has any
	// confirmed progress yet — bootstrap unconditionally, whether or not the
	// permanent slot already existed (spec §4.1 step 3): an existing slot
	// with no downstream state still needs its base rows snapshotted before
	// any rewind retraction can mean anything.
	snap := NewSnapshotter(s.replConn, coalescer, s.cfg.ChunkTimeout, s.logger)
	ordered := make([]*SourceTable, 0, len(s.tables))
	for _, t := range s.tables {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].OutputIndex < ordered[j].OutputIndex })
	for _, t := range ordered {
		if err := snap.CopyTable(ctx, t, info.SlotLSN); err != nil {
			slots.Abort(ctx)
			return err
		}
	}
	if err := snap.Finish(info.SlotLSN); err != nil {
		slots.Abort(ctx)
		return err
	}

	if err := slots.Finish(ctx, info); err != nil {
		return err
	}

	// A rewind only makes sense immediately after the snapshot just taken
	// above: its retractions compensate for rows that snapshot emitted
	// between slot_lsn and snapshot_lsn.
	if info.NeedsRewind() {
		rewinder := NewRewinder(s.replConn, s.tables, coalescer, s.logger)
		if err := rewinder.Run(ctx, s.cfg.SlotName, s.cfg.Publication, info); err != nil {
			return err
		}
	}

	s.resumeLsn.Store(info.SlotLSN)
	return s.stream(ctx, info.SlotLSN, coalescer)
}

// streamFrom resumes decoding directly at a previously sealed frontier,
// skipping bootstrap and rewind entirely: re-running them here would
// re-emit retractions stamped at an LSN the consumer has already confirmed
// past, violating the non-decreasing-LSN invariant (spec §2, §5, §8 #1).
func (s *Source) streamFrom(ctx context.Context, resumeLsn pglogrepl.LSN) error {
	return s.stream(ctx, resumeLsn, NewCoalescer(s.bridge))
}

func (s *Source) stream(ctx context.Context, startLSN pglogrepl.LSN, coalescer *Coalescer) error {
	fetcher := &catalogFetcher{conn: s.plainConn}
	decoder := NewDecoder(s.replConn, s.cfg.SlotName, s.cfg.Publication, s.tables, fetcher, s.resumeLsn, coalescer,
		DecoderOptions{
			FeedbackInterval:  s.cfg.FeedbackInterval,
			WALLagGracePeriod: s.cfg.WALLagGracePeriod,
			OnIgnored:         func(n int64) { s.collector.RecordIgnored(n) },
			OnEmptyTxSkipped:  func() { s.collector.RecordEmptyTxSkipped() },
		}, s.logger)

	if resumed := s.resumeLsn.Load(); resumed > startLSN {
		startLSN = resumed
	}

	err := decoder.Run(ctx, startLSN)
	if _, ok := err.(idleErr); ok {
		probe := NewFastForwardProbe(s.plainConn, s.cfg.SlotName, s.cfg.Publication, s.tables, s.resumeLsn, s.logger)
		if _, advanced, ferr := probe.Probe(ctx, 1000); ferr != nil {
			return ferr
		} else if advanced {
			return err // propagate idleErr so the supervisor retries at the new floor
		}
	}
	return err
}

// DiscoverTables lists every table pg_publication_tables reports for
// publication and resolves each one's relation OID and column shape,
// assigning a stable 1-based OutputIndex in (schema, table) order. The
// returned map is keyed by relation OID, ready to hand to NewSource.
func DiscoverTables(ctx context.Context, conn *pgconn.PgConn, publication string, registry *cast.Registry) (map[uint32]*SourceTable, error) {
	rr := conn.ExecParams(ctx, `
		SELECT schemaname, tablename
		FROM pg_publication_tables
		WHERE pubname = $1
		ORDER BY schemaname, tablename`,
		[][]byte{[]byte(publication)}, nil, nil, nil)

	type qualifiedName struct{ schema, name string }
	var names []qualifiedName
	for rr.NextRow() {
		vals := rr.Values()
		if len(vals) != 2 {
			continue
		}
		names = append(names, qualifiedName{schema: string(vals[0]), name: string(vals[1])})
	}
	if _, err := rr.Close(); err != nil {
		return nil, Classify("list publication tables", err)
	}

	tables := make(map[uint32]*SourceTable, len(names))
	fetcher := &catalogFetcher{conn: conn}
	for i, qn := range names {
		oid, err := resolveRegclass(ctx, conn, qn.schema, qn.name)
		if err != nil {
			return nil, err
		}
		desc, err := fetcher.FetchSchema(ctx, oid)
		if err != nil {
			return nil, err
		}
		casts := make([]cast.Cast, len(desc.Columns))
		for j, col := range desc.Columns {
			casts[j] = registry.Lookup(col.TypeOID)
		}
		tables[oid] = &SourceTable{
			OutputIndex: i + 1,
			OID:         oid,
			Desc:        desc,
			Casts:       casts,
		}
	}
	return tables, nil
}

func resolveRegclass(ctx context.Context, conn *pgconn.PgConn, schema, name string) (uint32, error) {
	qualified := quoteQualifiedName(schema, name)
	rr := conn.ExecParams(ctx, `SELECT $1::regclass::oid::text`, [][]byte{[]byte(qualified)}, nil, nil, nil)
	var oid uint64
	for rr.NextRow() {
		vals := rr.Values()
		if len(vals) != 1 || vals[0] == nil {
			continue
		}
		parsed, err := strconv.ParseUint(string(vals[0]), 10, 32)
		if err != nil {
			_, _ = rr.Close()
			return 0, Definite("parse relation oid", err)
		}
		oid = parsed
	}
	if _, err := rr.Close(); err != nil {
		return 0, Classify("resolve regclass", err)
	}
	return uint32(oid), nil
}
