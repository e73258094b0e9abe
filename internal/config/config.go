// Package config loads runtime settings from an optional infrasys.yaml and
// INFRASYS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"infrasys/internal/arraystore"
	"infrasys/internal/arraystore/core"
	"infrasys/internal/blob"
	blobcore "infrasys/internal/blob/core"
	"infrasys/internal/infra/arraystore/multifile"
	"infrasys/internal/infra/arraystore/table"
)

const (
	configFileName = "infrasys"
	configFileType = "yaml"
	envPrefix      = "INFRASYS"
)

// Config keys.
const (
	KeyStorageBackend     = "storage.backend"
	KeyStorageDirectory   = "storage.directory"
	KeyStorageCompression = "storage.compression"
	KeyTableDriver        = "storage.table.driver"
	KeyTableDSN           = "storage.table.dsn"
	KeyBlobDriver         = "blob.driver"
	KeyBlobS3Bucket       = "blob.s3.bucket"
	KeyBlobS3Region       = "blob.s3.region"
	KeyBlobS3Endpoint     = "blob.s3.endpoint"
	KeyBlobS3PathStyle    = "blob.s3.path_style"
	KeyBlobVerify         = "blob.verify"
	KeyReadOnly           = "timeseries.read_only"
	KeyLogLevel           = "log.level"
	KeyLogDevelopment     = "log.development"
)

// Storage selects the array backend.
type Storage struct {
	Backend     core.Kind
	Directory   string // empty means the system's scoped temp directory
	Compression string
	TableDriver string
	TableDSN    string
}

// Blob configures the object store under the columnar backend.
type Blob struct {
	Driver      blobcore.Driver
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	Verify      bool // re-hash filesystem objects on read
}

// Log configures the logger.
type Log struct {
	Level       string
	Development bool
}

// Config is the resolved runtime configuration.
type Config struct {
	Storage  Storage
	Blob     Blob
	ReadOnly bool
	Log      Log
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Storage: Storage{Backend: core.KindMemory, Compression: string(multifile.CompressionSnappy), TableDriver: table.DriverSQLite},
		Blob:    Blob{Driver: blobcore.DriverFilesystem, S3Region: "us-east-1"},
		Log:     Log{Level: "info"},
	}
}

func newViper() *viper.Viper {
	d := Default()
	v := viper.New()
	v.SetDefault(KeyStorageBackend, string(d.Storage.Backend))
	v.SetDefault(KeyStorageDirectory, "")
	v.SetDefault(KeyStorageCompression, d.Storage.Compression)
	v.SetDefault(KeyTableDriver, d.Storage.TableDriver)
	v.SetDefault(KeyTableDSN, "")
	v.SetDefault(KeyBlobDriver, string(d.Blob.Driver))
	v.SetDefault(KeyBlobS3Bucket, "")
	v.SetDefault(KeyBlobS3Region, d.Blob.S3Region)
	v.SetDefault(KeyBlobS3Endpoint, "")
	v.SetDefault(KeyBlobS3PathStyle, false)
	v.SetDefault(KeyBlobVerify, false)
	v.SetDefault(KeyReadOnly, false)
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogDevelopment, false)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when given, or infrasys.yaml from the working directory
// when present, then applies environment overrides. A missing default file
// is not an error.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	kind, err := core.ParseKind(v.GetString(KeyStorageBackend))
	if err != nil {
		return Config{}, err
	}
	if _, err := multifile.ParseCompression(v.GetString(KeyStorageCompression)); err != nil {
		return Config{}, err
	}
	driver := blobcore.Driver(v.GetString(KeyBlobDriver))
	switch driver {
	case blobcore.DriverFilesystem, blobcore.DriverS3, blobcore.DriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown blob driver %q", driver)
	}
	tableDriver := v.GetString(KeyTableDriver)
	if tableDriver != table.DriverSQLite && tableDriver != table.DriverPostgres {
		return Config{}, fmt.Errorf("unknown table driver %q", tableDriver)
	}
	return Config{
		Storage: Storage{
			Backend:     kind,
			Directory:   v.GetString(KeyStorageDirectory),
			Compression: v.GetString(KeyStorageCompression),
			TableDriver: tableDriver,
			TableDSN:    v.GetString(KeyTableDSN),
		},
		Blob: Blob{
			Driver:      driver,
			S3Bucket:    v.GetString(KeyBlobS3Bucket),
			S3Region:    v.GetString(KeyBlobS3Region),
			S3Endpoint:  v.GetString(KeyBlobS3Endpoint),
			S3PathStyle: v.GetBool(KeyBlobS3PathStyle),
			Verify:      v.GetBool(KeyBlobVerify),
		},
		ReadOnly: v.GetBool(KeyReadOnly),
		Log: Log{
			Level:       v.GetString(KeyLogLevel),
			Development: v.GetBool(KeyLogDevelopment),
		},
	}, nil
}

// ArrayStore returns backend settings for kind, rooted at dir when the
// configuration names no storage directory.
func (c Config) ArrayStore(kind core.Kind, dir string) arraystore.Settings {
	if c.Storage.Directory != "" {
		dir = c.Storage.Directory
	}
	return arraystore.Settings{
		Kind:        kind,
		Directory:   dir,
		Compression: c.Storage.Compression,
		TableDriver: c.Storage.TableDriver,
		TableDSN:    c.Storage.TableDSN,
		Blob: blob.Settings{
			Driver: c.Blob.Driver,
			FSRoot: dir,
			Verify: c.Blob.Verify,
			S3: blob.S3Settings{
				Bucket:    c.Blob.S3Bucket,
				Region:    c.Blob.S3Region,
				Endpoint:  c.Blob.S3Endpoint,
				PathStyle: c.Blob.S3PathStyle,
			},
		},
	}
}
