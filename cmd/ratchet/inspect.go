package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/ratchetml/ratchet/internal/model"
	"github.com/ratchetml/ratchet/pkg/acf"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Dump an .acf adapter or a model directory description",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("inspect: exactly one path is required")
			}
			path := cmd.Args().First()
			fi, err := os.Stat(path)
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return inspectModelDir(path)
			}
			return inspectAdapter(path)
		},
	}
}

func inspectModelDir(dir string) error {
	desc, err := model.ReadDescription(dir)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func inspectAdapter(path string) error {
	f, err := acf.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	h := f.Header
	fmt.Printf("acf %d.%d  size=%d  sections=%d\n", h.Major, h.Minor, h.FileSize, h.SectionCount)
	for _, sec := range f.Sections {
		fmt.Printf("  section type=%d version=%d offset=%d size=%d\n",
			sec.Type, sec.Version, sec.Offset, sec.Size)
	}

	if sec := f.Section(acf.SectionAdapterInfo); sec != nil {
		info, err := acf.ParseAdapterInfo(f.SectionData(sec))
		if err != nil {
			return err
		}
		fmt.Printf("info: format=%d model=%q digest=%s\n",
			info.FormatVersion, info.ModelVersion, info.DataDigest)
	}

	sec := f.Section(acf.SectionTensorIndex)
	if sec == nil {
		return nil
	}
	ti, err := acf.ParseTensorIndex(f.SectionData(sec))
	if err != nil {
		return err
	}
	for i := 0; i < ti.Count(); i++ {
		name, err := ti.Name(i)
		if err != nil {
			return err
		}
		entry, err := ti.Entry(i)
		if err != nil {
			return err
		}
		shape, err := ti.Shape(i)
		if err != nil {
			return err
		}
		fmt.Printf("  delta %q dtype=%d shape=%v bytes=%d\n", name, entry.DType, shape, entry.DataSize)
	}
	return nil
}
