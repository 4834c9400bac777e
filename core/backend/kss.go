package backend

import (
	"fmt"
	"net/url"

	"github.com/relabs-tech/blogger/core/backend/kss"
	"github.com/relabs-tech/blogger/core/logger"
)

// configureKSS creates the object store driver for post images
func (b *Backend) configureKSS(config kss.Configuration) error {
	logger.Default().Infoln("KSS in use with driver", config.DriverType)

	switch config.DriverType {
	case kss.DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return fmt.Errorf("kss expecting a configuration for local KSS, but got nothing")
		}
		u, err := url.Parse(b.publicURL)
		if err != nil {
			return fmt.Errorf("cannot parse url %s %w", b.publicURL, err)
		}
		drv, err := kss.NewLocalFilesystem(b.router, *config.LocalConfiguration, *u)
		if err != nil {
			return fmt.Errorf("cannot create new Local KSS driver %s %w", b.publicURL, err)
		}
		b.KssDriver = drv
	case kss.DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return fmt.Errorf("kss expecting a configuration for S3 KSS, but got nothing")
		}
		drv, err := kss.NewS3(*config.S3Configuration)
		if err != nil {
			return fmt.Errorf("cannot create new S3 KSS driver %w", err)
		}
		b.KssDriver = drv
	default:
		return fmt.Errorf("post images need kss, but the driver type '%s' is unknown", config.DriverType)
	}
	return nil
}
