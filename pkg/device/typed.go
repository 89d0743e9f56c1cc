package device

import (
	"context"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Typed wraps d in the variant matching its type. Types without a variant
// are returned as the plain *Device.
func Typed(d *Device) Commandable {
	switch NormalizeType(d.Type()) {
	case TypeLamp:
		return NewLamp(d)
	case TypeGyro:
		return NewGyro(d)
	case TypeContainer:
		return NewContainer(d)
	case TypeConnector:
		return NewConnector(d)
	case TypeProjector:
		return NewProjector(d)
	default:
		return d
	}
}

// OpenTyped opens id and wraps it with Typed.
func OpenTyped(ctx context.Context, conn *bus.Conn, id bus.Identity, opts ...Option) (Commandable, error) {
	d, err := Open(ctx, conn, id, opts...)
	if err != nil {
		return nil, err
	}
	return Typed(d), nil
}
