package gwconfig

import (
	"context"
	"fmt"

	"github.com/jcnelson/syndicate/internal/msclient"
)

// ResolveBlockingFactor fills in c.BlockingFactor from the volume's
// block size rather than from a configured value.
func ResolveBlockingFactor(ctx context.Context, c *Config, ms msclient.Client) error {
	vol, err := ms.GetVolume(ctx, c.Volume)
	if err != nil {
		return fmt.Errorf("gwconfig: resolving blocking factor for volume %d: %w", c.Volume, err)
	}
	if vol.BlockSize == 0 {
		return fmt.Errorf("gwconfig: volume %d reports a zero block size", c.Volume)
	}
	c.BlockingFactor = vol.BlockSize
	return nil
}
