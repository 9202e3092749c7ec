package bridge

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	obniz "github.com/temoto/obniz-go"
	"github.com/temoto/obniz-go/helpers"
	"github.com/temoto/obniz-go/log2"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Device struct {
		Id            string `hcl:"id"`
		obniz.Options `hcl:",squash"`
	} `hcl:"device"`

	Mqtt struct {
		Enabled           bool   `hcl:"enable"`
		Broker            string `hcl:"broker"`
		ClientId          string `hcl:"client_id"`
		Password          string `hcl:"password"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		PingTimeoutSec    int    `hcl:"ping_timeout_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		StorePath         string `hcl:"store_path"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"mqtt"`

	Listen struct {
		Address string `hcl:"address"`
	} `hcl:"listen"`

	Persist struct {
		Path string `hcl:"path"`
	} `hcl:"persist"`

	LogDebug bool `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Device.Id == "" {
		errs = append(errs, errors.NotValidf("config device.id"))
	}
	if c.Persist.Path == "" {
		errs = append(errs, errors.NotValidf("config persist.path"))
	}
	if c.Mqtt.Enabled && c.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("config mqtt.broker"))
	}
	return helpers.FoldErrors(errs)
}

// DeviceOptions returns a copy of the device section ready for obniz.New.
// Hooks are left for the bridge to install.
func (c *Config) DeviceOptions(log *log2.Log) *obniz.Options {
	opt := c.Device.Options
	opt.Log = log
	return &opt
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	// device options default to on; config keys override
	c.Device.Options = *obniz.NewOptions()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

type FullReader interface {
	Normalize(name string) string
	// nil,nil = not found
	ReadAll(name string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader() *OsFullReader { return &OsFullReader{} }

func (self *OsFullReader) SetBase(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		panic(errors.Annotatef(err, "filepath.Abs() dir=%s", dir))
	}
	self.base = abs
}

func (self *OsFullReader) Normalize(name string) string {
	return filepath.Clean(filepath.Join(self.base, name))
}

func (OsFullReader) ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	b, err := ioutil.ReadAll(f)
	f.Close()
	return b, err
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (self *MockFullReader) Normalize(name string) string {
	return filepath.Clean(name)
}

func (self *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := self.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
