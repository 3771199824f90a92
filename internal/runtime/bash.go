package runtime

// BashRuntime configures execution of shell scripts.
type BashRuntime struct{}

func (b *BashRuntime) Name() string { return "bash" }

func (b *BashRuntime) Command(codePath string) []string {
	return []string{
		"/bin/sh",
		"-u", // Treat unset variables as error
		codePath,
	}
}

func (b *BashRuntime) FileExtension() string { return ".sh" }
