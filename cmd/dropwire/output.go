package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jaywantadh/dropwire/internal/metadata"
	"github.com/jaywantadh/dropwire/internal/probe"
	"github.com/jaywantadh/dropwire/internal/transfer"
	"github.com/pterm/pterm"
)

// progressBar renders one outbound transfer as a percentage bar.
type progressBar struct {
	mu      sync.Mutex
	bar     *pterm.ProgressbarPrinter
	current int
}

func newProgressBar(d transfer.Descriptor) (*progressBar, error) {
	title := fmt.Sprintf("%s (%s)", d.Name, humanize.Bytes(uint64(d.ByteSize)))
	bar, err := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle(title).
		WithShowElapsedTime(true).
		WithRemoveWhenDone(false).
		Start()
	if err != nil {
		return nil, err
	}
	return &progressBar{bar: bar}, nil
}

func (p *progressBar) set(ratio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := int(ratio * 100)
	if target > 100 {
		target = 100
	}
	if target > p.current {
		p.bar.Add(target - p.current)
		p.current = target
	}
}

func (p *progressBar) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Stop()
}

func printObjects(records []metadata.ObjectRecord) error {
	if len(records) == 0 {
		pterm.Info.Println("inbox is empty")
		return nil
	}
	data := pterm.TableData{{"ID", "Name", "Size", "Stored", "Type", "Peer", "Received"}}
	for _, rec := range records {
		stored := humanize.Bytes(uint64(rec.StoredSize))
		if rec.Compressed {
			stored += " (lz4)"
		}
		data = append(data, []string{
			rec.ID,
			rec.Name,
			humanize.Bytes(uint64(rec.ByteSize)),
			stored,
			rec.MediaType,
			rec.Peer,
			humanize.Time(rec.ReceivedAt),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printSpeedTest(peer string, res probe.Result) error {
	download := fmt.Sprintf("%.2f Mbps", res.DownloadMbps())
	if res.DownloadTimedOut {
		download = "timed out"
	}
	data := pterm.TableData{
		{"Direction", "Bytes", "Elapsed", "Rate"},
		{"upload", humanize.Bytes(uint64(res.UploadBytes)), res.UploadElapsed.Round(time.Millisecond).String(),
			fmt.Sprintf("%.2f Mbps", res.UploadMbps())},
		{"download", humanize.Bytes(uint64(res.DownloadBytes)), res.DownloadElapsed.Round(time.Millisecond).String(),
			download},
	}
	pterm.DefaultSection.Printfln("Speed test against %s", peer)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
