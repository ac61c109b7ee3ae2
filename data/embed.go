package data

import "embed"

var (
	//go:embed captcha.yaml
	Config embed.FS
)
