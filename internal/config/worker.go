package config

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/lspfront/internal/cluster"
)

// Worker configuration keys.
const (
	KeyID   = "id"
	KeyHost = "host"
)

// Worker is a worker process's configuration. The master passes every field
// on the command line when it spawns the worker.
type Worker struct {
	Host     string
	LogLevel string
	ID       cluster.WorkerID
	Port     int
	Strict   bool
}

// AddWorkerFlags declares the worker flags on fs.
func AddWorkerFlags(fs *pflag.FlagSet) {
	fs.Int(KeyID, 0, "worker id assigned by the master")
	fs.Int(KeyPort, 0, "port to listen on")
	fs.String(KeyHost, "127.0.0.1", "interface to listen on")
	fs.Bool(KeyStrict, false, "reject unsupported requests")
	fs.String(KeyLogLevel, "info", "log level")
}

// LoadWorker resolves the worker configuration from v after binding fs.
func LoadWorker(v *viper.Viper, fs *pflag.FlagSet) (Worker, error) {
	if err := prepare(v, fs, false); err != nil {
		return Worker{}, err
	}
	w := Worker{
		ID:       cluster.WorkerID(v.GetInt(KeyID)),
		Port:     v.GetInt(KeyPort),
		Host:     v.GetString(KeyHost),
		Strict:   v.GetBool(KeyStrict),
		LogLevel: v.GetString(KeyLogLevel),
	}
	if err := w.Validate(); err != nil {
		return Worker{}, err
	}
	return w, nil
}

// Validate reports every invalid setting.
func (w Worker) Validate() error {
	var errs []error
	if w.ID < 1 {
		errs = append(errs, fmt.Errorf("%s %d: must be positive", KeyID, w.ID))
	}
	if w.Port < 1 || w.Port > maxPort {
		errs = append(errs, fmt.Errorf("%s %d: out of range", KeyPort, w.Port))
	}
	if err := validateLevel(w.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
