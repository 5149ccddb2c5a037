// Command dpa stores files into a local preimage archive and reads them back
// by root key.
package main

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"os"

	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v2"

	dpa "github.com/i5heu/ouroboros-dpa"
	"github.com/i5heu/ouroboros-dpa/pkg/backup"
	"github.com/i5heu/ouroboros-dpa/pkg/chunker"
	"github.com/i5heu/ouroboros-dpa/pkg/model"
)

type fileConfig struct {
	Paths         []string `yaml:"paths"`
	Branches      int      `yaml:"branches"`
	Hash          string   `yaml:"hash"`
	MinimumFreeGB uint     `yaml:"minimumFreeGB"`
}

var (
	configPath string
	dbPath     string
	branches   int
	hashName   string
	outPath    string
)

func main() {
	root := &cobra.Command{
		Use:           "dpa",
		Short:         "content-addressed chunk archive",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a yaml config file")
	root.PersistentFlags().StringVar(&dbPath, "db", "dpa-data", "data directory for the durable chunk store")
	root.PersistentFlags().IntVar(&branches, "branches", 0, "branching factor of the chunk tree (default 128)")
	root.PersistentFlags().StringVar(&hashName, "hash", "sha256", "content hash: sha256 or blake3")

	root.AddCommand(newStoreCmd(), newReadCmd(), newBackupCmd(), newRestoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (fileConfig, error) {
	conf := fileConfig{
		Paths:    []string{dbPath},
		Branches: branches,
		Hash:     hashName,
	}
	if configPath == "" {
		return conf, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return conf, err
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	if len(conf.Paths) == 0 {
		conf.Paths = []string{dbPath}
	}
	return conf, nil
}

func hashFunc(name string) (func() hash.Hash, error) {
	switch name {
	case "", "sha256":
		return sha256.New, nil
	case "blake3":
		return func() hash.Hash { return blake3.New() }, nil
	default:
		return nil, fmt.Errorf("unknown hash %q, want sha256 or blake3", name)
	}
}

func openArchive() (*dpa.DPA, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	hf, err := hashFunc(conf.Hash)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(conf.Paths[0], 0o755); err != nil {
		return nil, err
	}
	return dpa.New(dpa.Config{
		Paths:         conf.Paths,
		MinimumFreeGB: conf.MinimumFreeGB,
		Branches:      conf.Branches,
		Hash:          hf,
	})
}

func newStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store <file>",
		Short: "store a file and print its root key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openArchive()
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			section, err := chunker.NewSection(f, 0, info.Size())
			if err != nil {
				return err
			}

			key, err := d.StoreSection(cmd.Context(), section)
			if err != nil {
				return err
			}
			fmt.Println(key.String())
			return nil
		},
	}
}

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <key>",
		Short: "read content by root key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := model.KeyFromHex(args[0])
			if err != nil {
				return fmt.Errorf("invalid key: %w", err)
			}

			d, err := openArchive()
			if err != nil {
				return err
			}
			defer d.Close()

			data, err := d.Read(cmd.Context(), key)
			if err != nil {
				return err
			}

			if outPath == "" || outPath == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(outPath, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write content to a file instead of stdout")
	return cmd
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <archive>",
		Short: "export every stored chunk to a compressed archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openArchive()
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if err := backup.Export(cmd.Context(), d.DurableStore(), f); err != nil {
				return err
			}
			return f.Sync()
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive>",
		Short: "import chunks from a compressed archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openArchive()
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			return backup.Import(cmd.Context(), d.DurableStore(), f)
		},
	}
}
