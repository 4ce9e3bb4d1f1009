package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fluxgate/toolrun/internal/dispatcher"
	"github.com/fluxgate/toolrun/internal/registry"
	"github.com/fluxgate/toolrun/pkg/models"
	"github.com/fluxgate/toolrun/pkg/pluginsdk"
)

// loadExternalPlugins scans dir for plugin manifest files
// (pluginsdk.ManifestFilename or the legacy name) one directory deep,
// registering each as an HTTP-backed tool. A manifest's metadata must
// carry a "base_url" string and an "endpoints" object mapping
// capability name to HTTP path; a manifest missing either is skipped
// with a warning rather than failing the whole scan.
func loadExternalPlugins(dir string, reg *registry.Registry) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read plugins dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(pluginDir, pluginsdk.ManifestFilename)
		if _, err := os.Stat(manifestPath); err != nil {
			manifestPath = filepath.Join(pluginDir, pluginsdk.LegacyManifestFilename)
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}
		}

		manifest, err := pluginsdk.DecodeManifestFile(manifestPath)
		if err != nil {
			return fmt.Errorf("decode manifest %s: %w", manifestPath, err)
		}
		if err := manifest.Validate(); err != nil {
			return fmt.Errorf("invalid manifest %s: %w", manifestPath, err)
		}

		if cfg, ok := manifest.Metadata["config"]; ok {
			if err := manifest.ValidateConfig(cfg); err != nil {
				return fmt.Errorf("manifest %s config: %w", manifestPath, err)
			}
		}

		metadata, executor, err := buildExternalTool(manifest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping plugin %s: %v\n", manifest.ID, err)
			continue
		}
		if err := reg.Register(metadata, executor); err != nil {
			return fmt.Errorf("register plugin %s: %w", manifest.ID, err)
		}
	}
	return nil
}

// buildExternalTool turns a validated manifest into registrable tool
// metadata and an HTTP executor dispatching to its declared endpoints.
func buildExternalTool(manifest *pluginsdk.Manifest) (models.ToolMetadata, *dispatcher.HTTPExecutor, error) {
	baseURL, _ := manifest.Metadata["base_url"].(string)
	if strings.TrimSpace(baseURL) == "" {
		return models.ToolMetadata{}, nil, fmt.Errorf("metadata.base_url is required")
	}

	rawEndpoints, _ := manifest.Metadata["endpoints"].(map[string]any)
	endpoints := make(map[string]string, len(rawEndpoints))
	for capability, path := range rawEndpoints {
		if p, ok := path.(string); ok {
			endpoints[capability] = p
		}
	}
	if len(endpoints) == 0 {
		return models.ToolMetadata{}, nil, fmt.Errorf("metadata.endpoints must declare at least one capability")
	}

	token, _ := manifest.Metadata["token"].(string)
	executor := dispatcher.NewHTTPExecutor(baseURL, endpoints, dispatcher.StaticToken(token))

	capabilities := make([]models.CapabilityDescriptor, 0, len(manifest.Tools))
	if len(manifest.Tools) > 0 {
		for _, name := range manifest.Tools {
			if _, ok := endpoints[name]; ok {
				capabilities = append(capabilities, models.CapabilityDescriptor{Name: name})
			}
		}
	} else {
		for name := range endpoints {
			capabilities = append(capabilities, models.CapabilityDescriptor{Name: name})
		}
	}

	metadata := models.ToolMetadata{
		Name:                manifest.ID,
		Version:             manifest.Version,
		Description:         manifest.Description,
		ToolType:            "external",
		Capabilities:        capabilities,
		RequiredPermissions: manifest.DeclaredCapabilities(),
	}
	return metadata, executor, nil
}
