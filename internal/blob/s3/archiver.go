package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/boxmeout/settlement/internal/domain"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeJSONL = "application/x-ndjson"
)

// Archiver implements domain.RecordArchiver. Records are written once per
// version; trade logs are rewritten whole on every call.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewArchiver creates an Archiver. reader may be nil, in which case
// existing record versions are overwritten and Records is unavailable.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader}
}

// ArchiveRecord uploads r as JSON and returns its key.
//
//	settlements/<market>/resolution-v2.json
func (a *Archiver) ArchiveRecord(ctx context.Context, r domain.SettlementRecord) (string, error) {
	key := recordPath(r)
	if a.reader != nil {
		ok, err := a.reader.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive record %s: %w", r.MarketID, err)
		}
		if ok {
			return key, nil
		}
	}

	buf, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive record %s marshal: %w", r.MarketID, err)
	}
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), contentTypeJSON); err != nil {
		return "", fmt.Errorf("s3blob: archive record %s upload: %w", r.MarketID, err)
	}
	return key, nil
}

// ArchiveTrades uploads trades as JSONL at trades/<market>.jsonl. Large
// logs go through the multipart uploader.
func (a *Archiver) ArchiveTrades(ctx context.Context, marketID string, trades []domain.Trade) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades %s marshal: %w", marketID, err)
	}

	key := fmt.Sprintf("trades/%s.jsonl", marketID)
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades %s upload: %w", marketID, err)
	}
	return key, nil
}

// Records returns every archived record version of marketID, oldest first.
func (a *Archiver) Records(ctx context.Context, marketID string) ([]domain.SettlementRecord, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: records %s: no reader configured", marketID)
	}
	infos, err := a.reader.List(ctx, "settlements/"+marketID+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: records %s: %w", marketID, err)
	}

	out := make([]domain.SettlementRecord, 0, len(infos))
	for _, info := range infos {
		if !strings.HasSuffix(info.Path, ".json") {
			continue
		}
		r, err := a.readRecord(ctx, info.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].ComputedAt.Before(out[j].ComputedAt)
	})
	return out, nil
}

func (a *Archiver) readRecord(ctx context.Context, key string) (domain.SettlementRecord, error) {
	body, err := a.reader.Get(ctx, key)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("s3blob: read %s: %w", key, err)
	}
	defer body.Close()

	var r domain.SettlementRecord
	if err := json.NewDecoder(body).Decode(&r); err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("s3blob: decode %s: %w", key, err)
	}
	return r, nil
}

func recordPath(r domain.SettlementRecord) string {
	return fmt.Sprintf("settlements/%s/%s-v%d.json", r.MarketID, strings.ToLower(string(r.Kind)), r.Version)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.RecordArchiver = (*Archiver)(nil)
