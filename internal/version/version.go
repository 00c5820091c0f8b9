package version

// Version is set by -ldflags at build time.
var Version = "dev"
