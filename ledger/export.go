package ledger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ExportFile references the CSV and Parquet artefacts produced for one
// export window.
type ExportFile struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

// ExportEntries materialises every ledger entry created inside [from, to]
// as a CSV plus a Parquet file under outputDir. Operators feed the Parquet
// output into their analytics stack; the CSV is for eyeballing.
func (s *Store) ExportEntries(outputDir string, from, to time.Time) (*ExportFile, error) {
	rows, err := s.EntriesBetween(from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ledger: load entries for export: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure export dir: %w", err)
	}
	stem := fmt.Sprintf("ledger_%s_%s", from.UTC().Format("20060102"), to.UTC().Format("20060102"))
	csvPath := filepath.Join(outputDir, stem+".csv")
	if err := writeEntriesCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(outputDir, stem+".parquet")
	if err := writeEntriesParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	return &ExportFile{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

func writeEntriesCSV(path string, rows []EntryRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ledger: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"id", "type", "status", "chain_id", "token", "amount", "recipient", "payer",
		"job_id", "created_at", "settled_at", "tx_hash",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("ledger: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			row.Type,
			row.Status,
			strconv.FormatUint(row.ChainID, 10),
			row.Token,
			row.Amount,
			row.Recipient,
			row.Payer,
			row.JobID,
			formatMillis(row.CreatedAt),
			formatMillis(row.SettledAt),
			row.TxHash,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("ledger: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("ledger: flush csv: %w", err)
	}
	return nil
}

// Tag syntax follows the schema grammar of the pinned parquet-go release.
type parquetEntry struct {
	ID        string `parquet:"name=id, type=UTF8"`
	Type      string `parquet:"name=type, type=UTF8"`
	Status    string `parquet:"name=status, type=UTF8"`
	ChainID   int64  `parquet:"name=chain_id, type=INT64"`
	Token     string `parquet:"name=token, type=UTF8"`
	Amount    string `parquet:"name=amount, type=UTF8"`
	Recipient string `parquet:"name=recipient, type=UTF8"`
	Payer     string `parquet:"name=payer, type=UTF8"`
	JobID     string `parquet:"name=job_id, type=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=UTF8"`
	SettledAt string `parquet:"name=settled_at, type=UTF8"`
	TxHash    string `parquet:"name=tx_hash, type=UTF8"`
}

func writeEntriesParquet(path string, rows []EntryRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ledger: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEntry), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("ledger: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetEntry{
			ID:        row.ID,
			Type:      row.Type,
			Status:    row.Status,
			ChainID:   int64(row.ChainID),
			Token:     row.Token,
			Amount:    row.Amount,
			Recipient: row.Recipient,
			Payer:     row.Payer,
			JobID:     row.JobID,
			CreatedAt: formatMillis(row.CreatedAt),
			SettledAt: formatMillis(row.SettledAt),
			TxHash:    row.TxHash,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("ledger: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("ledger: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("ledger: close parquet file: %w", err)
	}
	return nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
