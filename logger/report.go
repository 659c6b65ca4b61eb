package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed      int64
	errorsRest      int64
	warnsFeed       int64
	warnsRest       int64
	framesRead      int64
	eventsPublished int64
	eventsDropped   int64
	reconnects      int64
	restRetries     int64
	historyWrites   int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "connector") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "rest") || strings.Contains(component, "executor") {
		atomic.AddInt64(&warnsRest, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "connector") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "rest") || strings.Contains(component, "executor") {
		atomic.AddInt64(&errorsRest, 1)
	}
}

func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("feed_ws", size)
}

func IncrementEventPublished() {
	atomic.AddInt64(&eventsPublished, 1)
}

func IncrementEventDropped() {
	atomic.AddInt64(&eventsDropped, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementRestRetry() {
	atomic.AddInt64(&restRetries, 1)
}

func IncrementHistoryWrite(size int64) {
	atomic.AddInt64(&historyWrites, 1)
	recordChannel("history_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	memUsed := uint64(0)
	if memStats != nil {
		memUsed = memStats.Used
	}

	fields := Fields{
		"errors_feed":      atomic.LoadInt64(&errorsFeed),
		"errors_rest":      atomic.LoadInt64(&errorsRest),
		"warns_feed":       atomic.LoadInt64(&warnsFeed),
		"warns_rest":       atomic.LoadInt64(&warnsRest),
		"frames_read":      atomic.LoadInt64(&framesRead),
		"events_published": atomic.LoadInt64(&eventsPublished),
		"events_dropped":   atomic.LoadInt64(&eventsDropped),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"rest_retries":     atomic.LoadInt64(&restRetries),
		"history_writes":   atomic.LoadInt64(&historyWrites),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memUsed) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsRest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_rest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsRest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_rest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["frames_read"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_published"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RestRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rest_retries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("HistoryWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["history_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
