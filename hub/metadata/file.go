package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"

	"github.com/bringyour/deltahub/hub"
)

// the metadata file format. Json files are valid yaml.
//
//	paths:
//	  navigation.speedOverGround:
//	    units: m/s
//	contexts:
//	  vessels.urn:mrn:imo:mmsi:230099999:
//	    design.length:
//	      units: m
type fileDocument struct {
	Paths    map[string]map[string]any            `yaml:"paths"`
	Contexts map[string]map[string]map[string]any `yaml:"contexts"`
}

type FileMetadataSettings struct {
	// editors write a file in several steps
	ReloadDelay time.Duration
}

func DefaultFileMetadataSettings() *FileMetadataSettings {
	return &FileMetadataSettings{
		ReloadDelay: 200 * time.Millisecond,
	}
}

// metadata loaded from a file and reloaded when the file changes
type FileMetadata struct {
	*hub.StaticMetadata

	path     string
	settings *FileMetadataSettings
}

func NewFileMetadataWithDefaults(path string) (*FileMetadata, error) {
	return NewFileMetadata(path, DefaultFileMetadataSettings())
}

// loads the file once. Call `Watch` to follow changes.
func NewFileMetadata(path string, settings *FileMetadataSettings) (*FileMetadata, error) {
	fileMetadata := &FileMetadata{
		StaticMetadata: hub.NewStaticMetadata(),
		path:           path,
		settings:       settings,
	}
	if err := fileMetadata.Load(); err != nil {
		return nil, err
	}
	return fileMetadata, nil
}

func (self *FileMetadata) Load() error {
	documentBytes, err := os.ReadFile(self.path)
	if err != nil {
		return err
	}
	var document fileDocument
	if err := yaml.Unmarshal(documentBytes, &document); err != nil {
		return fmt.Errorf("metadata %s: %w", self.path, err)
	}
	self.Replace(document.Paths, document.Contexts)
	return nil
}

// reloads on change until the context is done
// a reload that fails keeps the previous metadata
func (self *FileMetadata) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// the directory, since editors replace the file with a rename
	if err := watcher.Add(filepath.Dir(self.path)); err != nil {
		watcher.Close()
		return err
	}
	go hub.HandleError(func() {
		defer watcher.Close()
		self.runWatch(ctx, watcher)
	})
	return nil
}

func (self *FileMetadata) runWatch(ctx context.Context, watcher *fsnotify.Watcher) {
	name := filepath.Clean(self.path)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				reload = time.After(self.settings.ReloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			glog.Infof("[metadata]watch error = %s\n", err)
		case <-reload:
			reload = nil
			if err := self.Load(); err != nil {
				glog.Infof("[metadata]reload error = %s\n", err)
			} else {
				glog.V(1).Infof("[metadata]reloaded %s (%d descriptors)\n", self.path, self.Len())
			}
		}
	}
}
