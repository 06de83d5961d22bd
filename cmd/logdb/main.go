// Command logdb inspects and maintains a logdb log file.
//
//	logdb [flags] stats|dump|verify
//	logdb [flags] get <hexkey>
//	logdb [flags] put <hexkey> <hexvalue>
//	logdb [flags] erase <hexkey>
//	logdb [flags] compact [--ratio r]
//	logdb [flags] import-pebble <dir> [--cf name] [--batch n]
//	logdb [flags] export-pebble <dir> [--cf name] [--batch n]
//	logdb [flags] headers tip
//	logdb [flags] headers import <file> [--network name]
//
// Settings come from flags, then LOGDB_* environment variables, then a .env
// file in --env-dir.
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/beyondbrewing/brewery-logdb/config"
	"github.com/beyondbrewing/brewery-logdb/headerstore"
	"github.com/beyondbrewing/brewery-logdb/logdb"
	"github.com/beyondbrewing/brewery-logdb/migrate"
	"github.com/beyondbrewing/brewery-logdb/pkg/logger"
	"github.com/beyondbrewing/brewery-logdb/utils"
	"github.com/btcsuite/btcd/wire"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var errUsage = errors.New("usage: logdb [flags] stats|dump|verify|get|put|erase|compact|import-pebble|export-pebble|headers")

// readOnlyCommands never modify the log, so they open it read-only.
var readOnlyCommands = map[string]bool{
	"stats":         true,
	"dump":          true,
	"verify":        true,
	"get":           true,
	"export-pebble": true,
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logger.Fatal("logdb failed", "error", err)
	}
}

func run(args []string, stdout io.Writer) (err error) {
	fs := pflag.NewFlagSet(config.APP_NAME, pflag.ContinueOnError)
	fs.String("path", config.LOGDB_PATH, "log file path")
	fs.Bool("sync", config.LOGDB_SYNC_WRITES, "sync every append to disk")
	fs.Bool("read-only", config.LOGDB_READ_ONLY, "open the log read-only")
	fs.Float64("ratio", config.LOGDB_COMPACT_RATIO, "compact only when written/live reaches this ratio (0 forces)")
	fs.String("log-level", config.LOGDB_LOG_LEVEL, "debug, info, warn or error")
	fs.String("network", config.LOGDB_NETWORK, "bitcoin network for header commands")
	cf := fs.String("cf", migrate.DefaultColumnFamily, "pebble column family")
	batch := fs.Int("batch", migrate.DefaultConfig().BatchSize, "keys per batch for pebble migrations")
	envDir := fs.String("env-dir", ".", "directory holding the .env file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	v := viper.New()
	if err := utils.ImportEnv(v, *envDir); err != nil {
		return err
	}
	for key, name := range map[string]string{
		"LOGDB_PATH":          "path",
		"LOGDB_SYNC_WRITES":   "sync",
		"LOGDB_READ_ONLY":     "read-only",
		"LOGDB_COMPACT_RATIO": "ratio",
		"LOGDB_LOG_LEVEL":     "log-level",
		"LOGDB_NETWORK":       "network",
	} {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return err
		}
	}
	config.Load(v)

	log, err := logger.NewProduction(logger.ParseLevel(config.LOGDB_LOG_LEVEL))
	if err != nil {
		return err
	}
	logger.SetDefault(log)
	defer logger.SyncDefault()

	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}
	cmd, rest := rest[0], rest[1:]

	readOnly := config.LOGDB_READ_ONLY || readOnlyCommands[cmd] || (cmd == "headers" && len(rest) > 0 && rest[0] == "tip")
	f, err := logdb.Open(config.LOGDB_PATH,
		logdb.WithReadOnly(readOnly),
		logdb.WithCreateIfMissing(!readOnly),
		logdb.WithSyncWrites(config.LOGDB_SYNC_WRITES),
		logdb.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	h, err := f.NewHandle(readOnly)
	if err != nil {
		return err
	}
	defer h.Release()

	migrateOpts := []migrate.Option{
		migrate.WithColumnFamily(*cf),
		migrate.WithBatchSize(*batch),
		migrate.WithSyncWrites(config.LOGDB_SYNC_WRITES),
		migrate.WithLogger(log),
	}

	switch cmd {
	case "stats":
		return stats(stdout, f)

	case "dump":
		return h.ForEach(func(key, value []byte) error {
			_, err := fmt.Fprintf(stdout, "%x\t%x\n", key, value)
			return err
		})

	case "verify":
		if err := f.Verify(); err != nil {
			return err
		}
		digest := f.Digest()
		_, err = fmt.Fprintf(stdout, "ok %x\n", digest[:])
		return err

	case "get":
		keys, err := decodeArgs(rest, 1)
		if err != nil {
			return err
		}
		val, err := h.Read(keys[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%x\n", val)
		return err

	case "put":
		kv, err := decodeArgs(rest, 2)
		if err != nil {
			return err
		}
		return h.Write(kv[0], kv[1], true)

	case "erase":
		keys, err := decodeArgs(rest, 1)
		if err != nil {
			return err
		}
		return h.Erase(keys[0])

	case "compact":
		return compact(stdout, f, config.LOGDB_COMPACT_RATIO)

	case "import-pebble":
		if len(rest) != 1 {
			return errUsage
		}
		res, err := migrate.ImportDir(rest[0], h, migrateOpts...)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "imported %d keys in %d batches\n", res.Keys, res.Batches)
		return err

	case "export-pebble":
		if len(rest) != 1 {
			return errUsage
		}
		res, err := migrate.ExportDir(rest[0], h, migrateOpts...)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "exported %d keys in %d batches\n", res.Keys, res.Batches)
		return err

	case "headers":
		return headers(stdout, h, rest, log)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func stats(w io.Writer, f *logdb.File) error {
	st := f.Stats()
	rec := f.Recovery()
	digest := f.Digest()
	_, err := fmt.Fprintf(w,
		"path\t%s\nlive\t%d\nwritten\t%d\ndirty\t%d\nsize\t%d\nread_only\t%t\nreplayed\t%d\ndiscarded\t%d\ndigest\t%x\n",
		st.Path, st.Live, st.Written, st.Dirty, st.Size, st.ReadOnly,
		rec.Records, rec.DiscardedBytes, digest[:],
	)
	return err
}

func compact(w io.Writer, f *logdb.File, ratio float64) error {
	if ratio > 0 && !f.NeedsCompaction(ratio) {
		_, err := fmt.Fprintln(w, "compaction not needed")
		return err
	}
	before := f.Stats()
	if err := f.Compact(); err != nil {
		return err
	}
	after := f.Stats()
	_, err := fmt.Fprintf(w, "compacted %d -> %d bytes, %d -> %d records\n",
		before.Size, after.Size, before.Written, after.Written)
	return err
}

func headers(w io.Writer, h *logdb.Handle, args []string, log logger.Logger) error {
	if len(args) == 0 {
		return errUsage
	}
	params, err := headerstore.ResolveChainParams(config.LOGDB_NETWORK)
	if err != nil {
		return err
	}
	s, err := headerstore.New(h, params, headerstore.WithLogger(log))
	if err != nil {
		return err
	}

	switch {
	case args[0] == "tip" && len(args) == 1:
		hash, height, err := s.Tip()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%d\t%s\n", height, hash)
		return err

	case args[0] == "import" && len(args) == 2:
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		if len(raw)%wire.MaxBlockHeaderPayload != 0 {
			return fmt.Errorf("headers: %s is not a sequence of %d-byte headers", args[1], wire.MaxBlockHeaderPayload)
		}

		r := bytes.NewReader(raw)
		batch := make([]wire.BlockHeader, 0, wire.MaxBlockHeadersPerMsg)
		height, err := s.Height()
		if err != nil {
			return err
		}
		for r.Len() > 0 {
			var hdr wire.BlockHeader
			if err := hdr.Deserialize(r); err != nil {
				return err
			}
			batch = append(batch, hdr)
			if len(batch) == wire.MaxBlockHeadersPerMsg || r.Len() == 0 {
				if height, err = s.Append(batch...); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		_, err = fmt.Fprintf(w, "height %d\n", height)
		return err

	default:
		return errUsage
	}
}

// decodeArgs hex-decodes exactly n positional arguments.
func decodeArgs(args []string, n int) ([][]byte, error) {
	if len(args) != n {
		return nil, errUsage
	}
	out := make([][]byte, n)
	for i, a := range args {
		b, err := hex.DecodeString(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = b
	}
	return out, nil
}
