// Package util provides common utility functions used across the oauth2-server library.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - SplitList / NormalizeList: Space-delimited OAuth parameter handling
package util
