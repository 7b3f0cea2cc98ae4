// vidrelay is the CLI client: it sends a video to a vidrelayd server,
// renders a terminal progress bar as frames complete, and writes the
// processed output to disk.
//
// Usage:
//
//	vidrelay --video in.mp4 --host localhost --port 9090 --processing blur --out out.mp4
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nyxvid/vidrelay/internal/client"
	"github.com/nyxvid/vidrelay/internal/config"
	"github.com/nyxvid/vidrelay/internal/logging"
	"github.com/nyxvid/vidrelay/internal/proto"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vidrelay: config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	host := flag.String("host", "localhost", "server host")
	port := flag.Int("port", 9090, "server port")
	forceV4 := flag.Bool("ipv4", false, "force IPv4")
	forceV6 := flag.Bool("ipv6", false, "force IPv6")
	video := flag.String("video", "", "input video path (required)")
	processing := flag.String("processing", "blur", "processing kind: blur|faces|edges|motion|custom")
	out := flag.String("out", "output.mp4", "output video path")
	codec := flag.String("codec", "mp4v", "output codec tag")
	flag.Parse()

	if *video == "" {
		fmt.Fprintln(os.Stderr, "vidrelay: --video is required")
		os.Exit(1)
	}
	if *forceV4 && *forceV6 {
		fmt.Fprintln(os.Stderr, "vidrelay: --ipv4 and --ipv6 are mutually exclusive")
		os.Exit(1)
	}

	family := client.AutoFamily
	if *forceV4 {
		family = client.IPv4
	} else if *forceV6 {
		family = client.IPv6
	}

	bar := newProgressBar()
	outcome, err := client.SendVideo(context.Background(), client.Options{
		Host:       *host,
		Port:       *port,
		Family:     family,
		VideoPath:  *video,
		OutPath:    *out,
		Processing: *processing,
		Codec:      *codec,
		OnProgress: func(p proto.Progress) { bar.draw(p) },
	})
	bar.finish()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vidrelay: %v\n", err)
		os.Exit(1)
	}

	m := outcome.Result.Metrics
	fmt.Printf("done: %s (%d bytes)\n", outcome.OutPath, outcome.Result.SizeBytes)
	fmt.Printf("frames processed=%d failed=%d retries=%d  p50=%.0fms p95=%.0fms p99=%.0fms  total=%.1fs\n",
		m.FramesProcessed, m.FramesFailed, m.Retries, m.LatencyP50Ms, m.LatencyP95Ms, m.LatencyP99Ms, m.TotalTimeSec)
}
