package app

// Version is the kansoku release, overridden at build time with
// -ldflags "-X github.com/raysh454/kansoku/internal/app.Version=...".
var Version = "0.3.0"
