// Package writer persists the normalized market history, closed candles and
// the public trade tape, as parquet files on disk and optionally in S3.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "marketsync/config"
	"marketsync/logger"
	"marketsync/models"
)

// CandleRecord is the parquet row for one closed candle.
type CandleRecord struct {
	Venue     string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market    string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	Start     int64   `parquet:"name=start, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Spread    float64 `parquet:"name=spread, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
}

// TradeRecord is the parquet row for one public trade.
type TradeRecord struct {
	Venue    string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market   string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price    float64 `parquet:"name=price, type=DOUBLE"`
	Quantity float64 `parquet:"name=quantity, type=DOUBLE"`
	Side     string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time     int64   `parquet:"name=time, type=INT64"`
}

// memoryFileWriter implements ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// HistoryWriter buffers candles and trades per market and flushes them as
// parquet batches on an interval or when a buffer reaches the batch size.
type HistoryWriter struct {
	config   *appconfig.Config
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	candleBuf map[string][]models.Candle
	tradeBuf  map[string][]models.PublicTrade

	flushTicker *time.Ticker
}

// NewHistoryWriter builds the writer; the S3 client is only created when the
// upload target is enabled.
func NewHistoryWriter(cfg *appconfig.Config) (*HistoryWriter, error) {
	log := logger.GetLogger()

	w := &HistoryWriter{
		config:    cfg,
		wg:        &sync.WaitGroup{},
		log:       log,
		candleBuf: make(map[string][]models.Candle),
		tradeBuf:  make(map[string][]models.PublicTrade),
	}

	if cfg.History.S3.Enabled {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.History.S3.Region),
		}
		if cfg.History.S3.AccessKeyID != "" && cfg.History.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.History.S3.AccessKeyID,
					cfg.History.S3.SecretAccessKey,
					"",
				),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		w.s3Client = s3.NewFromConfig(awsCfg)

		log.WithComponent("history_writer").WithFields(logger.Fields{
			"bucket": cfg.History.S3.Bucket,
			"region": cfg.History.S3.Region,
		}).Info("s3 upload target initialized")
	}

	return w, nil
}

func (w *HistoryWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("history writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("history_writer")

	if dir := w.config.History.Directory; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	w.flushTicker = time.NewTicker(w.config.History.FlushInterval)
	w.wg.Add(1)
	go w.flushWorker()

	log.WithFields(logger.Fields{
		"directory":      w.config.History.Directory,
		"batch_size":     w.config.History.BatchSize,
		"flush_interval": w.config.History.FlushInterval.String(),
	}).Info("history writer started")
	return nil
}

func (w *HistoryWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.log.WithComponent("history_writer").Info("history writer stopped")
}

// RecordCandle buffers one closed candle.
func (w *HistoryWriter) RecordCandle(venueName string, c models.Candle) {
	if !c.Closed {
		return
	}
	key := bufferKey(venueName, c.MarketID, "candles_"+models.FormatTimeframe(c.Timeframe))
	w.mu.Lock()
	w.candleBuf[key] = append(w.candleBuf[key], c)
	full := len(w.candleBuf[key]) >= w.config.History.BatchSize
	w.mu.Unlock()
	if full {
		w.flushBuffers("batch_full")
	}
}

// RecordTrade buffers one public trade.
func (w *HistoryWriter) RecordTrade(venueName string, t models.PublicTrade) {
	key := bufferKey(venueName, t.MarketID, "trades")
	w.mu.Lock()
	w.tradeBuf[key] = append(w.tradeBuf[key], t)
	full := len(w.tradeBuf[key]) >= w.config.History.BatchSize
	w.mu.Unlock()
	if full {
		w.flushBuffers("batch_full")
	}
}

func bufferKey(venueName, market, kind string) string {
	return fmt.Sprintf("%s|%s|%s", venueName, market, kind)
}

func (w *HistoryWriter) flushWorker() {
	defer w.wg.Done()
	log := w.log.WithComponent("history_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *HistoryWriter) flushBuffers(reason string) {
	w.mu.Lock()
	candleBuf := w.candleBuf
	tradeBuf := w.tradeBuf
	w.candleBuf = make(map[string][]models.Candle)
	w.tradeBuf = make(map[string][]models.PublicTrade)
	w.mu.Unlock()

	if len(candleBuf) == 0 && len(tradeBuf) == 0 {
		return
	}

	w.log.WithComponent("history_writer").WithFields(logger.Fields{
		"candle_buffers": len(candleBuf),
		"trade_buffers":  len(tradeBuf),
		"reason":         reason,
	}).Debug("flushing history buffers")

	for key, entries := range candleBuf {
		if len(entries) == 0 {
			continue
		}
		venueName, market, kind := splitKey(key)
		records := make([]interface{}, 0, len(entries))
		for _, c := range entries {
			records = append(records, CandleRecord{
				Venue:     venueName,
				Market:    market,
				Timeframe: models.FormatTimeframe(c.Timeframe),
				Start:     c.Start.UnixMilli(),
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Spread:    c.Spread,
				Volume:    c.Volume,
			})
		}
		w.writeBatch(venueName, market, kind, new(CandleRecord), records)
	}

	for key, entries := range tradeBuf {
		if len(entries) == 0 {
			continue
		}
		venueName, market, kind := splitKey(key)
		records := make([]interface{}, 0, len(entries))
		for _, t := range entries {
			records = append(records, TradeRecord{
				Venue:    venueName,
				Market:   market,
				Price:    t.Price,
				Quantity: t.Quantity,
				Side:     t.Side,
				Time:     t.Time.UnixMilli(),
			})
		}
		w.writeBatch(venueName, market, kind, new(TradeRecord), records)
	}
}

func splitKey(key string) (venueName, market, kind string) {
	parts := strings.SplitN(key, "|", 3)
	return parts[0], parts[1], parts[2]
}

func (w *HistoryWriter) writeBatch(venueName, market, kind string, schema interface{}, records []interface{}) {
	log := w.log.WithComponent("history_writer").WithFields(logger.Fields{
		"venue":   venueName,
		"market":  market,
		"kind":    kind,
		"records": len(records),
	})

	data, err := createParquet(schema, records)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	now := time.Now().UTC()
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		venueName, sanitize(market), kind, now.Format("20060102150405"))
	partition := filepath.Join(
		fmt.Sprintf("venue=%s", venueName),
		fmt.Sprintf("market=%s", sanitize(market)),
		fmt.Sprintf("kind=%s", kind),
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
	)

	if dir := w.config.History.Directory; dir != "" {
		path := filepath.Join(dir, partition)
		if err := os.MkdirAll(path, 0o755); err != nil {
			log.WithError(err).Error("failed to create partition directory")
		} else if err := os.WriteFile(filepath.Join(path, filename), data, 0o644); err != nil {
			log.WithError(err).Error("failed to write history file")
		}
	}

	if w.s3Client != nil {
		key := filepath.ToSlash(filepath.Join(w.config.History.S3.Prefix, partition, filename))
		if err := w.uploadToS3(key, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"bucket": w.config.History.S3.Bucket,
				"s3_key": key,
			}).Error("failed to upload history batch to S3")
		}
	}

	logger.IncrementHistoryWrite(int64(len(data)))
	log.WithFields(logger.Fields{"file_size": len(data)}).Debug("history batch written")
}

func createParquet(schema interface{}, records []interface{}) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := parquetwriter.NewParquetWriter(fw, schema, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *HistoryWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.History.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"marketsync-version": w.config.Marketsync.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.History.S3.Bucket, err)
	}
	return nil
}

// sanitize makes a market id safe for file paths; Kraken pairs contain "/".
func sanitize(market string) string {
	return strings.ReplaceAll(market, "/", "-")
}
