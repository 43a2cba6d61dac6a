// Command slam.report converts raw sensor logs into sensor-data containers
// and replays containers through the FastSLAM filter.
//
// Usage:
//
//	slam.report convert -in raw.jsonl -out drive.slog [-comment text]
//	slam.report run -in drive.slog [-config tuning.json] [-realtime] [-record runs.db] [-v]
//	slam.report hash -in drive.slog
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rover-data/slam.report/internal/config"
	"github.com/rover-data/slam.report/internal/replay"
	"github.com/rover-data/slam.report/internal/sensordata"
	"github.com/rover-data/slam.report/internal/slam"
	"github.com/rover-data/slam.report/internal/storage/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(os.Args[2:])
	case "run":
		err = runFilter(os.Args[2:])
	case "hash":
		err = runHash(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: slam.report <convert|run|hash> [flags]")
}

// rawRecord is one line of the producer's line-delimited JSON log.
type rawRecord struct {
	Type      string    `json:"type"` // odometry | lidar | lines | camera
	UnixNanos int64     `json:"t"`
	Pose      []float64 `json:"pose,omitempty"`   // odometry: [theta, x, y]
	Ranges    []float64 `json:"ranges,omitempty"` // lidar
	Lines     []float64 `json:"lines,omitempty"`  // lines: [rho0, alpha0, ...]
	Detections []struct {
		ID      int     `json:"id"`
		Bearing float64 `json:"bearing"`
		Range   float64 `json:"range"`
		Orient  float64 `json:"orient"`
	} `json:"detections,omitempty"` // camera
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", "raw line-delimited JSON log")
	out := fs.String("out", "", "output container path (default: input with "+sensordata.FileExtension+")")
	comment := fs.String("comment", "", "free-form comment stored in the container")
	fs.Parse(args)

	if *in == "" {
		return fmt.Errorf("-in is required")
	}
	if *out == "" {
		*out = *in + sensordata.FileExtension
	}

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()

	data := &sensordata.SensorData{Comment: *comment}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<24)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		switch rec.Type {
		case "odometry":
			if len(rec.Pose) != 3 {
				return fmt.Errorf("line %d: odometry pose wants 3 values, got %d", lineNo, len(rec.Pose))
			}
			data.Odometry = append(data.Odometry, sensordata.OdometrySample{
				UnixNanos: rec.UnixNanos,
				Theta:     rec.Pose[0], X: rec.Pose[1], Y: rec.Pose[2],
			})
		case "lidar":
			data.Lidar = append(data.Lidar, sensordata.LidarSample{
				UnixNanos: rec.UnixNanos, Ranges: rec.Ranges,
			})
		case "lines":
			data.Lines = append(data.Lines, sensordata.LineSample{
				UnixNanos: rec.UnixNanos, Lines: rec.Lines,
			})
		case "camera":
			sample := sensordata.CameraSample{UnixNanos: rec.UnixNanos}
			for _, d := range rec.Detections {
				sample.Detections = append(sample.Detections, sensordata.Detection{
					MarkerID: d.ID, Bearing: d.Bearing, Range: d.Range, Orient: d.Orient,
				})
			}
			data.Camera = append(data.Camera, sample)
		default:
			return fmt.Errorf("line %d: unknown record type %q", lineNo, rec.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	if err := sensordata.Save(data, *out); err != nil {
		return err
	}
	log.Printf("wrote %s: %d odometry, %d lidar, %d lines, %d camera (hash %s)",
		*out, len(data.Odometry), len(data.Lidar), len(data.Lines), len(data.Camera), data.Hash())
	return nil
}

func runFilter(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	in := fs.String("in", "", "sensor-data container")
	cfgPath := fs.String("config", "", "tuning config JSON (defaults built in)")
	realtime := fs.Bool("realtime", false, "pace events by their recorded spacing")
	record := fs.String("record", "", "record the run into this sqlite database")
	verbose := fs.Bool("v", false, "log every step")
	fs.Parse(args)

	if *in == "" {
		return fmt.Errorf("-in is required")
	}

	cfg := config.EmptyTuningConfig()
	if *cfgPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*cfgPath)
		if err != nil {
			return err
		}
	}
	settings := slam.SettingsFromTuning(cfg)

	data, err := sensordata.Load(*in)
	if err != nil {
		return err
	}

	var store *sqlite.Store
	var runID string
	if *record != "" {
		store, err = sqlite.Open(*record)
		if err != nil {
			return err
		}
		defer store.Close()

		settingsJSON, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		runID = sqlite.NewRunID()
		if err := store.InsertRun(&sqlite.Run{
			RunID:         runID,
			CreatedAt:     time.Now(),
			ContainerHash: data.Hash(),
			SettingsJSON:  settingsJSON,
			Notes:         data.Comment,
		}); err != nil {
			return err
		}
	}

	filter := slam.New(settings)
	step := 0
	driver := replay.New(filter, data, replay.Options{
		Realtime: *realtime,
		OnStep: func(s replay.Step) {
			if *verbose {
				log.Printf("t=%d %s pose=(%.3f, %.3f, %.3f) neff=%.1f",
					s.UnixNanos, s.Source, s.Pose.X, s.Pose.Y, s.Pose.Theta, s.Neff)
			}
			if store != nil {
				if err := store.AppendPose(runID, &sqlite.PoseRow{
					Step:      step,
					UnixNanos: s.UnixNanos,
					Source:    s.Source,
					X:         s.Pose.X, Y: s.Pose.Y, Theta: s.Pose.Theta,
					Neff: s.Neff,
				}); err != nil {
					log.Printf("record pose: %v", err)
				}
			}
			step++
		},
	})
	if err := driver.Run(); err != nil {
		return err
	}

	pose := filter.Location()
	confirmed := filter.ConfirmedLandmarks()
	log.Printf("final pose (%.3f, %.3f, %.3f), %d confirmed landmarks, %d weight resets",
		pose.X, pose.Y, pose.Theta, len(confirmed), filter.WeightResets)
	for _, lm := range confirmed {
		log.Printf("  landmark %d (%s) seen %d mean %v", lm.ID, lm.Kind, lm.SeenCount, lm.Mean)
	}

	if store != nil {
		rows := make([]sqlite.LandmarkRow, 0, len(confirmed))
		for _, lm := range confirmed {
			rows = append(rows, sqlite.LandmarkRow{
				LandmarkID: lm.ID,
				Kind:       lm.Kind.String(),
				SeenCount:  lm.SeenCount,
				Mean:       lm.Mean,
				Cov:        lm.Cov,
			})
		}
		if err := store.InsertLandmarks(runID, rows); err != nil {
			return err
		}
		log.Printf("recorded run %s", runID)
	}
	return nil
}

func runHash(args []string) error {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	in := fs.String("in", "", "sensor-data container")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("-in is required")
	}
	data, err := sensordata.Load(*in)
	if err != nil {
		return err
	}
	fmt.Println(data.Hash())
	return nil
}
