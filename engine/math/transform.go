package math

func TransformCreate() *Transform {
	return TransformFromPositionRotationScale(NewVec3Zero(), NewQuatIdentity(), NewVec3One())
}

func TransformFromPositionRotationScale(position Vec3, rotation Quaternion, scale Vec3) *Transform {
	return &Transform{
		Position: position,
		Rotation: rotation,
		Scale:    scale,
		Local:    NewMat4Identity(),
		IsDirty:  true,
	}
}

// GetLocal scales, then rotates, then translates.
func (t *Transform) GetLocal() Mat4 {
	if t != nil {
		if t.IsDirty {
			s := NewMat4Scale(t.Scale)
			t.Local = s.Mul(t.Rotation.ToMat4()).Mul(NewMat4Translation(t.Position))
			t.IsDirty = false
		}
		return t.Local
	}
	return NewMat4Identity()
}

func (t *Transform) GetWorld() Mat4 {
	if t != nil {
		l := t.GetLocal()
		if t.Parent != nil {
			p := t.Parent.GetWorld()
			return l.Mul(p)
		}
		return l
	}
	return NewMat4Identity()
}
