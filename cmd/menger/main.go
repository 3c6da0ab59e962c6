package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jrife/menger/space"
	"github.com/jrife/menger/storage/cache"
	"github.com/jrife/menger/storage/vector"
	"github.com/jrife/menger/utils/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	uri        string
	backend    string
	spaces     []string
	maxCache   int
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "menger",
	Short:         "Inspect and edit sparse vector spaces",
	Long:          `A command-line interface for reading and writing the sparse vectors and metadata labels kept in menger spaces.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var getCmd = &cobra.Command{
	Use:   "get <space> <key>",
	Short: "Print the vector stored under a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inSpace(cmd, args[0], func(ctx context.Context, store *cache.Store) error {
			v, err := store.Get(ctx, args[1])

			if err != nil {
				return err
			}

			return printJSON(cmd, v)
		})
	},
}

var setCmd = &cobra.Command{
	Use:     "set <space> <key> <json>",
	Short:   "Store a vector under a key",
	Example: `  menger set docs a '{"x": 1.0, "y": 2.0}'`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := vector.Unmarshal([]byte(args[2]))

		if err != nil {
			return fmt.Errorf("invalid vector %s: %w", args[2], err)
		}

		return inSpace(cmd, args[0], func(ctx context.Context, store *cache.Store) error {
			return store.Set(ctx, args[1], v)
		})
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys <space>",
	Short: "List the keys of a space",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inSpace(cmd, args[0], func(ctx context.Context, store *cache.Store) error {
			keys, err := store.Keys(ctx)

			if err != nil {
				return err
			}

			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}

			return nil
		})
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag <space> <dimension> <key> <label>...",
	Short: "Attach labels to a key in a metadata dimension",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inSpace(cmd, args[0], func(ctx context.Context, store *cache.Store) error {
			return store.Merge(args[1], args[2], args[3:]...)
		})
	},
}

var labelsCmd = &cobra.Command{
	Use:   "labels <space> <dimension> <key>",
	Short: "Print the labels of a key in a metadata dimension",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inSpace(cmd, args[0], func(ctx context.Context, store *cache.Store) error {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(store.Metadata().Labels(args[1], args[2]), "\n"))

			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "menger.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&uri, "uri", "", "Directory holding the spaces")
	rootCmd.PersistentFlags().StringVarP(&backend, "backend", "b", "", "Backend kind (logstore or table)")
	rootCmd.PersistentFlags().StringSliceVarP(&spaces, "space", "s", nil, "Spaces to connect (default: the space named by the command)")
	rootCmd.PersistentFlags().IntVar(&maxCache, "max-cache", 0, "Read and write cache bound per space")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level")

	rootCmd.AddCommand(getCmd, setCmd, keysCmd, tagCmd, labelsCmd)
}

// resolveConfig merges the config file with the flags that were set
func resolveConfig(cmd *cobra.Command) (fileConfig, error) {
	flags := cmd.Flags()
	config, err := loadConfig(configPath, flags.Changed("config"))

	if err != nil {
		return config, err
	}

	if flags.Changed("uri") {
		config.URI = uri
	}

	if flags.Changed("backend") {
		config.Backend = backend
	}

	if flags.Changed("space") {
		config.Spaces = spaces
	}

	if flags.Changed("max-cache") {
		config.MaxCache = maxCache
	}

	if flags.Changed("log-level") {
		config.LogLevel = logLevel
	}

	return config, nil
}

// inSpace connects a session and runs fn against one of its spaces
func inSpace(cmd *cobra.Command, name string, fn func(ctx context.Context, store *cache.Store) error) error {
	config, err := resolveConfig(cmd)

	if err != nil {
		return err
	}

	if len(config.Spaces) == 0 {
		config.Spaces = []string{name}
	}

	logger, err := config.logger()

	if err != nil {
		return err
	}

	defer logger.Sync()

	spaceConfig, registry, err := config.session()

	if err != nil {
		return err
	}

	ctx := cmd.Context()

	if ctx == nil {
		ctx = context.Background()
	}

	// spaces pick the logger up from the context
	ctx = log.WithLogger(ctx, logger)
	ctx = log.WithFields(ctx, zap.String("command", cmd.Name()))

	return space.With(ctx, spaceConfig, registry, func(session *space.Session) error {
		store, err := session.Space(name)

		if err != nil {
			return err
		}

		return fn(ctx, store)
	})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
