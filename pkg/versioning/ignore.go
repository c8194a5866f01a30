package versioning

import (
	"os"
	"path"
	"strings"
)

// DefaultExcludes lists build artifacts, caches, and dependencies that are
// never worth checkpointing, across the common language ecosystems.
var DefaultExcludes = []string{
	// Version control
	".git/",
	".svn/",
	".hg/",
	// Agent state
	".agentsmithy/",
	"chroma_db/",
	// Python
	".venv/",
	"venv/",
	"env/",
	".env/",
	"__pycache__/",
	"*.pyc",
	"*.pyo",
	"*.pyd",
	".pytest_cache/",
	".mypy_cache/",
	".ruff_cache/",
	".tox/",
	".coverage",
	"htmlcov/",
	"*.egg-info/",
	"dist/",
	"build/",
	".eggs/",
	// Node.js / JavaScript / TypeScript
	"node_modules/",
	".npm/",
	".yarn/",
	"npm-debug.log*",
	"yarn-error.log*",
	".next/",
	".nuxt/",
	"out/",
	".cache/",
	// Java / Kotlin / Scala
	"target/",
	".gradle/",
	".m2/",
	"*.class",
	"*.jar",
	"*.war",
	"*.ear",
	// C / C++
	"*.o",
	"*.obj",
	"*.exe",
	"*.out",
	"*.a",
	"*.lib",
	"*.so",
	"*.dylib",
	"*.dll",
	"cmake-build-*/",
	"CMakeFiles/",
	"CMakeCache.txt",
	// Rust
	"Cargo.lock",
	// Go
	"vendor/",
	"*.test",
	// .NET / C#
	"bin/",
	"obj/",
	"*.pdb",
	// Ruby
	".bundle/",
	"vendor/bundle/",
	"*.gem",
	// PHP
	"composer.lock",
	// Swift / iOS
	".build/",
	"DerivedData/",
	"*.xcworkspace",
	"Pods/",
	"*.ipa",
	"*.xcassets/",
	"*.app/",
	"*.framework/",
	"*.dSYM/",
	// Android
	"*.apk",
	"*.aab",
	"local.properties",
	// Databases
	"*.db",
	"*.sqlite",
	"*.sqlite3",
	// IDEs and editors
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	// Logs
	"*.log",
	"logs/",
	// Temporary files
	"tmp/",
	"temp/",
	"*.tmp",
	"*.bak",
	"*.swp",
	"*.swo",
	"*~",
}

// LoadGitignorePatterns reads .gitignore-style patterns from a file.
// Comments and blank lines are dropped. A missing file yields nil.
func LoadGitignorePatterns(gitignorePath string) []string {
	data, err := os.ReadFile(gitignorePath)
	if err != nil {
		return nil
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

// IsIgnored reports whether a slash-separated relative path matches any of
// the patterns. The matcher understands the gitignore subset the store
// relies on: trailing-slash directory patterns, extension globs, **/
// prefixes, and plain names that match any path segment.
func IsIgnored(pathStr string, patterns []string) bool {
	parts := strings.Split(pathStr, "/")
	filename := parts[len(parts)-1]

	for _, pattern := range patterns {
		switch {
		// Directory patterns (ending with /)
		case strings.HasSuffix(pattern, "/"):
			dirPattern := strings.TrimRight(pattern, "/")
			if pathStr == dirPattern || strings.HasPrefix(pathStr, dirPattern+"/") {
				return true
			}
			if containsSegment(parts, dirPattern) {
				return true
			}

		// Glob patterns
		case strings.ContainsAny(pattern, "*?"):
			if strings.HasPrefix(pattern, "*.") {
				if match(filename, pattern) {
					return true
				}
			} else if strings.Contains(pattern, "**/") {
				suffix := strings.ReplaceAll(pattern, "**/", "")
				if match(pathStr, "*/"+suffix) || match(pathStr, suffix) {
					return true
				}
			} else if strings.HasSuffix(pattern, "*") || strings.HasSuffix(pattern, "*/") {
				basePattern := strings.TrimRight(pattern, "*/")
				for _, part := range parts {
					if match(part, basePattern+"*") {
						return true
					}
				}
			} else {
				if match(pathStr, pattern) || match(filename, pattern) {
					return true
				}
			}

		// Exact match
		default:
			if pathStr == pattern || strings.HasPrefix(pathStr, pattern+"/") {
				return true
			}
			if containsSegment(parts, pattern) {
				return true
			}
		}
	}
	return false
}

func containsSegment(parts []string, name string) bool {
	for _, p := range parts {
		if p == name {
			return true
		}
	}
	return false
}

func match(name, pattern string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
