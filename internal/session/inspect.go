package session

import (
	"github.com/google/go-dap"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/internal/inspect"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// SmartInspect renders a structured preview of a value, addressed either
// by expression (evaluated first) or by a raw variablesReference.
// Requires STOPPED.
func (s *Session) SmartInspect(expression string, ref, frameID int) (*inspect.Result, error) {
	s.touch()
	if expression == "" && ref == 0 {
		return nil, errors.InvalidArgument("either expression or variablesReference is required").WithSession(s.id)
	}
	if err := s.requireState(types.StateStopped); err != nil {
		return nil, err
	}
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}

	name, typeName, value := "", "", ""
	if expression != "" {
		if frameID == 0 {
			frameID = s.topFrameID()
		}
		body, err := client.Evaluate(expression, frameID, "watch")
		if err != nil {
			return nil, errors.FromError(err).WithSession(s.id)
		}
		name = expression
		typeName = body.Type
		value = body.Result
		ref = body.VariablesReference
	}

	ins := inspect.New(func(r int) ([]dap.Variable, error) {
		return client.Variables(r, "", 0, 0)
	}, 0)

	res, err := ins.Inspect(name, typeName, value, ref, "")
	if err != nil {
		return nil, errors.FromError(err).WithSession(s.id)
	}
	return res, nil
}
