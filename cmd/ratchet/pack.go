package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/ratchetml/ratchet/internal/tensor"
	"github.com/ratchetml/ratchet/pkg/acf"
)

// packManifest describes the adapter to build. Delta files are raw
// little-endian element bytes, resolved relative to the manifest.
type packManifest struct {
	ModelVersion  string      `json:"model_version"`
	FormatVersion int         `json:"format_version,omitempty"`
	Deltas        []packDelta `json:"deltas"`
}

type packDelta struct {
	Target string `json:"target"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	File   string `json:"file"`
}

func packCmd() *cli.Command {
	var output string

	return &cli.Command{
		Name:      "pack",
		Usage:     "Build an .acf adapter from a JSON manifest of raw delta files",
		ArgsUsage: "<manifest.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output .acf path",
				Value:       "adapter.acf",
				Destination: &output,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("pack: exactly one manifest path is required")
			}
			manifestPath := cmd.Args().First()
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			var manifest packManifest
			if err := json.Unmarshal(data, &manifest); err != nil {
				return fmt.Errorf("pack: manifest %s: %w", manifestPath, err)
			}
			if len(manifest.Deltas) == 0 {
				return fmt.Errorf("pack: manifest declares no deltas")
			}

			baseDir := filepath.Dir(manifestPath)
			deltas := make([]acf.Delta, 0, len(manifest.Deltas))
			for _, d := range manifest.Deltas {
				dt := tensor.ParseDType(d.DType)
				if dt == tensor.DTypeUnknown {
					return fmt.Errorf("pack: delta %q has unknown dtype %q", d.Target, d.DType)
				}
				elems := 1
				for _, dim := range d.Shape {
					if dim <= 0 {
						return fmt.Errorf("pack: delta %q has non-positive dimension %d", d.Target, dim)
					}
					elems *= dim
				}
				raw, err := os.ReadFile(filepath.Join(baseDir, d.File))
				if err != nil {
					return err
				}
				if want := elems * dt.ElemSize(); len(raw) != want {
					return fmt.Errorf("pack: delta %q file %s has %d bytes, want %d",
						d.Target, d.File, len(raw), want)
				}
				shape := make([]uint64, len(d.Shape))
				for i, dim := range d.Shape {
					shape[i] = uint64(dim)
				}
				deltas = append(deltas, acf.Delta{
					Name:  d.Target,
					DType: acfDType(dt),
					Shape: shape,
					Data:  raw,
				})
			}

			info := acf.AdapterInfo{
				FormatVersion: manifest.FormatVersion,
				ModelVersion:  manifest.ModelVersion,
			}
			if err := acf.WriteAdapter(output, info, deltas); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d deltas)\n", output, len(deltas))
			return nil
		},
	}
}

func acfDType(dt tensor.DType) acf.TensorDType {
	switch dt {
	case tensor.DTypeI8:
		return acf.DTypeI8
	case tensor.DTypeU8:
		return acf.DTypeU8
	case tensor.DTypeI16:
		return acf.DTypeI16
	case tensor.DTypeU16:
		return acf.DTypeU16
	case tensor.DTypeI32:
		return acf.DTypeI32
	case tensor.DTypeU32:
		return acf.DTypeU32
	case tensor.DTypeI64:
		return acf.DTypeI64
	case tensor.DTypeU64:
		return acf.DTypeU64
	case tensor.DTypeF16:
		return acf.DTypeF16
	case tensor.DTypeBF16:
		return acf.DTypeBF16
	case tensor.DTypeF32:
		return acf.DTypeF32
	case tensor.DTypeF64:
		return acf.DTypeF64
	default:
		return acf.DTypeUnknown
	}
}
