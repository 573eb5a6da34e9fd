// Package recon exports the delivery journal for offline reconciliation.
// Each run covers one UTC day and writes the same rows twice: CSV for
// spreadsheets, parquet for the analytics warehouse.
package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"rebasenet/services/relayerd/journal"
)

// Config wires the exporter.
type Config struct {
	Journal   *journal.Store
	OutputDir string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Exporter writes daily delivery reports.
type Exporter struct {
	journal   *journal.Store
	outputDir string
	now       func() time.Time
	logger    *slog.Logger
}

// New validates the configuration and constructs an exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("recon: journal required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("recon: output dir required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		journal:   cfg.Journal,
		outputDir: cfg.OutputDir,
		now:       now,
		logger:    logger,
	}, nil
}

// RouteTotal aggregates one route's rows inside the report window.
type RouteTotal struct {
	Delivered    int64  `json:"delivered"`
	Duplicates   int64  `json:"duplicates"`
	Failed       int64  `json:"failed"`
	DeliveredWei string `json:"deliveredWei"`
}

// Result describes one completed export.
type Result struct {
	Day         string                `json:"day"`
	Rows        int                   `json:"rows"`
	CSVPath     string                `json:"csvPath"`
	ParquetPath string                `json:"parquetPath"`
	Totals      map[string]RouteTotal `json:"totals"`
}

// Run exports the journal rows recorded on the supplied day. A zero day
// exports the current UTC day.
func (e *Exporter) Run(ctx context.Context, day time.Time) (*Result, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if day.IsZero() {
		day = e.now()
	}
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	rows, err := e.journal.DeliveriesBetween(start, end)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: create output dir: %w", err)
	}
	label := start.Format("2006-01-02")
	csvPath := filepath.Join(e.outputDir, fmt.Sprintf("deliveries_%s.csv", label))
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(e.outputDir, fmt.Sprintf("deliveries_%s.parquet", label))
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	e.logger.Info("recon report written", "day", label, "rows", len(rows), "csv", csvPath, "parquet", parquetPath)
	return &Result{
		Day:         label,
		Rows:        len(rows),
		CSVPath:     csvPath,
		ParquetPath: parquetPath,
		Totals:      totalsByRoute(rows),
	}, nil
}

func totalsByRoute(rows []journal.Delivery) map[string]RouteTotal {
	sums := make(map[string]*big.Int)
	totals := make(map[string]RouteTotal)
	for _, row := range rows {
		total := totals[row.Route]
		switch row.Status {
		case journal.StatusDelivered:
			total.Delivered++
			if amount, ok := new(big.Int).SetString(row.Amount, 10); ok {
				sum, exists := sums[row.Route]
				if !exists {
					sum = new(big.Int)
					sums[row.Route] = sum
				}
				sum.Add(sum, amount)
			}
		case journal.StatusDuplicate:
			total.Duplicates++
		case journal.StatusFailed:
			total.Failed++
		}
		totals[row.Route] = total
	}
	for routeName, total := range totals {
		sum, ok := sums[routeName]
		if !ok {
			sum = new(big.Int)
		}
		total.DeliveredWei = sum.String()
		totals[routeName] = total
	}
	return totals
}

func writeCSV(path string, rows []journal.Delivery) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"voucher_id", "route", "source_chain", "dest_chain", "account", "amount_wei", "rate",
		"issued_at", "status", "applied", "attempts", "last_error", "delivered_at", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.VoucherID,
			row.Route,
			strconv.FormatUint(row.SourceChain, 10),
			strconv.FormatUint(row.DestChain, 10),
			row.Account,
			row.Amount,
			row.Rate,
			strconv.FormatInt(row.IssuedAt, 10),
			row.Status,
			boolString(row.Applied),
			strconv.Itoa(row.Attempts),
			row.LastError,
			formatTime(row.DeliveredAt),
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	VoucherID   string `parquet:"name=voucher_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Route       string `parquet:"name=route, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceChain int64  `parquet:"name=source_chain, type=INT64"`
	DestChain   int64  `parquet:"name=dest_chain, type=INT64"`
	Account     string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountWei   string `parquet:"name=amount_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rate        string `parquet:"name=rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	IssuedAt    int64  `parquet:"name=issued_at, type=INT64"`
	Status      string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Applied     string `parquet:"name=applied, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attempts    int32  `parquet:"name=attempts, type=INT32"`
	LastError   string `parquet:"name=last_error, type=BYTE_ARRAY, convertedtype=UTF8"`
	DeliveredAt string `parquet:"name=delivered_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []journal.Delivery) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			VoucherID:   row.VoucherID,
			Route:       row.Route,
			SourceChain: int64(row.SourceChain),
			DestChain:   int64(row.DestChain),
			Account:     row.Account,
			AmountWei:   row.Amount,
			Rate:        row.Rate,
			IssuedAt:    row.IssuedAt,
			Status:      row.Status,
			Applied:     boolString(row.Applied),
			Attempts:    int32(row.Attempts),
			LastError:   row.LastError,
			DeliveredAt: formatTime(row.DeliveredAt),
			CreatedAt:   row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
