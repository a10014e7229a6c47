package render

import (
	"context"
	"fmt"

	"al.essio.dev/pkg/shellescape"

	"github.com/eniac111/proxyops/internal/remote"
	"github.com/eniac111/proxyops/internal/types"
)

// Runner executes commands on a target. *remote.Executor implements it.
type Runner interface {
	Run(ctx context.Context, t types.Target, cmd string, class remote.TimeoutClass) (remote.Result, error)
}

// RemoteProbe checks for the certificate chain and key of a lineage on the
// target.
type RemoteProbe struct {
	Exec Runner
}

func (p RemoteProbe) CertificatesPresent(ctx context.Context, t types.Target, lineage string) (bool, error) {
	cert, key := t.CertificatePaths(lineage)
	cmd := fmt.Sprintf("sudo test -e %s && sudo test -e %s", shellescape.Quote(cert), shellescape.Quote(key))
	res, err := p.Exec.Run(ctx, t, cmd, remote.Interactive)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}
