package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/normanking/avatarengine/internal/config"
	"github.com/normanking/avatarengine/internal/loader"
	"github.com/normanking/avatarengine/internal/rig"
)

// rigSummary is what inspect reports about a loaded avatar.
type rigSummary struct {
	Name       string     `json:"name"`
	Source     string     `json:"source"`
	Meshes     int        `json:"meshes"`
	Primitives int        `json:"primitives"`
	Vertices   int        `json:"vertices"`
	Skins      int        `json:"skins"`
	Materials  int        `json:"materials"`
	Bones      []string   `json:"bones"`
	Channels   []string   `json:"channels"`
	Min        [3]float32 `json:"boundsMin"`
	Max        [3]float32 `json:"boundsMax"`
}

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect [avatar-url]",
		Short: "Load an avatar and print its structure",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, done, err := setup()
			if err != nil {
				return err
			}
			defer done()
			if len(args) == 1 {
				cfg.Avatar.URL = args[0]
			}
			if cfg.Avatar.URL == "" {
				return fmt.Errorf("no avatar url given")
			}
			opts := cfg.CacheOptions(cfg.Fetcher())
			opts.Logger = log
			s, err := inspect(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), s, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func inspect(ctx context.Context, cfg *config.Config, opts loader.Options) (*rigSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cache, err := loader.NewCache(opts)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	r, err := cache.Load(ctx, cfg.Avatar.URL)
	if err != nil {
		return nil, err
	}
	defer cache.Release(r)
	return summarize(r), nil
}

func summarize(r *rig.Rig) *rigSummary {
	s := &rigSummary{
		Name:      r.Name,
		Source:    r.Source,
		Meshes:    len(r.Meshes),
		Vertices:  r.VertexCount(),
		Skins:     len(r.Skins),
		Materials: len(r.Materials),
		Min:       r.Bounds.Min,
		Max:       r.Bounds.Max,
	}
	for _, m := range r.Meshes {
		s.Primitives += len(m.Primitives)
	}
	for b := rig.HumanBone(0); b < rig.BoneCount; b++ {
		if _, ok := r.Bone(b); ok {
			s.Bones = append(s.Bones, b.String())
		}
	}
	for c := rig.Channel(0); c < rig.ChannelCount; c++ {
		if r.HasChannel(c) {
			s.Channels = append(s.Channels, c.String())
		}
	}
	return s
}

func printSummary(w io.Writer, s *rigSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	fmt.Fprintf(w, "Name:       %s\n", s.Name)
	fmt.Fprintf(w, "Source:     %s\n", s.Source)
	fmt.Fprintf(w, "Meshes:     %d (%d primitives, %d vertices)\n", s.Meshes, s.Primitives, s.Vertices)
	fmt.Fprintf(w, "Skins:      %d\n", s.Skins)
	fmt.Fprintf(w, "Materials:  %d\n", s.Materials)
	fmt.Fprintf(w, "Bounds:     %.3f .. %.3f\n", s.Min, s.Max)
	fmt.Fprintf(w, "Bones:      %s\n", joinOrNone(s.Bones))
	fmt.Fprintf(w, "Channels:   %s\n", joinOrNone(s.Channels))
	return nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
