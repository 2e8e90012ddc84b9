package datasets

import (
	"fmt"
	"path/filepath"
)

// Default locations of the preprocessed arrays, relative to the working directory.
const (
	DefaultDataDir      = "data/np_data"
	DefaultFeaturesFile = "normalized_images.npy"
	DefaultLabelsFile   = "normalized_angles.npy"
)

// Auto-discovery helpers

func autoFindNpy(patterns []string) (string, error) {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err == nil && len(matches) > 0 {
			return matches[0], nil
		}
	}
	return "", fmt.Errorf("no .npy files found in common locations")
}

// FindArrays looks for the features and labels arrays in dir, falling back
// to a few common locations when dir is empty.
func FindArrays(dir string) (features, labels string, err error) {
	dirs := []string{dir}
	if dir == "" {
		dirs = []string{DefaultDataDir, "../" + DefaultDataDir, "../../" + DefaultDataDir}
	}
	featurePatterns := make([]string, 0, len(dirs))
	labelPatterns := make([]string, 0, len(dirs))
	for _, d := range dirs {
		featurePatterns = append(featurePatterns, filepath.Join(d, DefaultFeaturesFile))
		labelPatterns = append(labelPatterns, filepath.Join(d, DefaultLabelsFile))
	}
	if features, err = autoFindNpy(featurePatterns); err != nil {
		return "", "", fmt.Errorf("features: %w", err)
	}
	if labels, err = autoFindNpy(labelPatterns); err != nil {
		return "", "", fmt.Errorf("labels: %w", err)
	}
	return features, labels, nil
}
