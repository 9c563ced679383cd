package version

// Version represents the Major.Minor.Patch version tag
// from GIT, supplied via -ldflags at build time - else
// 'dev' as a default
var Version string = "dev"
