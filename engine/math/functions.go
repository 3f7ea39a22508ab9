package math

import (
	m "math"
)

const (
	/** @brief An approximate representation of PI. */
	K_PI float32 = 3.14159265358979323846
	/** @brief A multiplier used to convert degrees to radians. */
	K_DEG2RAD_MULTIPLIER float32 = K_PI / 180.0
	/** @brief Smallest positive number where 1.0 + FLOAT_EPSILON != 0 */
	K_FLOAT_EPSILON float32 = 1.192092896e-07
)

func ksin(x float32) float32 {
	return float32(m.Sin(float64(x)))
}

func kcos(x float32) float32 {
	return float32(m.Cos(float64(x)))
}

func ksqrt(x float32) float32 {
	return float32(m.Sqrt(float64(x)))
}

func kabs(x float32) float32 {
	return float32(m.Abs(float64(x)))
}

// NewVec3FromSlice reads up to three components from values.
func NewVec3FromSlice(values []float32, fallback Vec3) Vec3 {
	if len(values) < 3 {
		return fallback
	}
	return Vec3{values[0], values[1], values[2]}
}

func NewVec3Zero() Vec3 {
	return Vec3{}
}

func NewVec3One() Vec3 {
	return Vec3{1, 1, 1}
}

/**
 * @brief Transforms the point v by the matrix mt.
 */
func (v Vec3) Transform(mt Mat4) Vec3 {
	d := mt.Data
	return Vec3{
		v.X*d[0] + v.Y*d[4] + v.Z*d[8] + d[12],
		v.X*d[1] + v.Y*d[5] + v.Z*d[9] + d[13],
		v.X*d[2] + v.Y*d[6] + v.Z*d[10] + d[14],
	}
}

// Compare reports whether every component is within tolerance of other.
func (v Vec3) Compare(other Vec3, tolerance float32) bool {
	return kabs(v.X-other.X) <= tolerance &&
		kabs(v.Y-other.Y) <= tolerance &&
		kabs(v.Z-other.Z) <= tolerance
}

/**
 * @brief Creates and returns an identity matrix.
 */
func NewMat4Identity() Mat4 {
	out_matrix := Mat4{}
	out_matrix.Data[0] = 1.0
	out_matrix.Data[5] = 1.0
	out_matrix.Data[10] = 1.0
	out_matrix.Data[15] = 1.0
	return out_matrix
}

/**
 * @brief Returns the matrix that applies mt first, then other.
 */
func (mt Mat4) Mul(other Mat4) Mat4 {
	out_matrix := Mat4{}

	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			sum := float32(0)
			for i := 0; i < 4; i++ {
				sum += mt.Data[row*4+i] * other.Data[i*4+col]
			}
			out_matrix.Data[row*4+col] = sum
		}
	}

	return out_matrix
}

/**
 * @brief Creates and returns a translation matrix from the given position.
 */
func NewMat4Translation(position Vec3) Mat4 {
	out_matrix := NewMat4Identity()
	out_matrix.Data[12] = position.X
	out_matrix.Data[13] = position.Y
	out_matrix.Data[14] = position.Z
	return out_matrix
}

/**
 * @brief Returns a scale matrix using the provided scale.
 */
func NewMat4Scale(scale Vec3) Mat4 {
	out_matrix := NewMat4Identity()
	out_matrix.Data[0] = scale.X
	out_matrix.Data[5] = scale.Y
	out_matrix.Data[10] = scale.Z
	return out_matrix
}

// Compare reports whether every element is within tolerance of other.
func (mt Mat4) Compare(other Mat4, tolerance float32) bool {
	for i := range mt.Data {
		if kabs(mt.Data[i]-other.Data[i]) > tolerance {
			return false
		}
	}
	return true
}

/**
 * @brief Creates an identity quaternion.
 */
func NewQuatIdentity() Quaternion {
	return Quaternion{0, 0, 0, 1.0}
}

/**
 * @brief Returns the normal of the provided quaternion.
 */
func (q Quaternion) Normal() float32 {
	return ksqrt(
		q.X*q.X +
			q.Y*q.Y +
			q.Z*q.Z +
			q.W*q.W)
}

/**
 * @brief Returns a normalized copy of the provided quaternion.
 */
func (q Quaternion) Normalize() Quaternion {
	normal := q.Normal()
	if normal < K_FLOAT_EPSILON {
		return NewQuatIdentity()
	}
	return Quaternion{
		q.X / normal,
		q.Y / normal,
		q.Z / normal,
		q.W / normal}
}

/**
 * @brief Returns the rotation q followed by other.
 */
func (q Quaternion) Mul(other Quaternion) Quaternion {
	// Hamilton product other * q.
	a, b := other, q
	return Quaternion{
		X: a.W*b.X + a.X*b.W + a.Y*b.Z - a.Z*b.Y,
		Y: a.W*b.Y - a.X*b.Z + a.Y*b.W + a.Z*b.X,
		Z: a.W*b.Z + a.X*b.Y - a.Y*b.X + a.Z*b.W,
		W: a.W*b.W - a.X*b.X - a.Y*b.Y - a.Z*b.Z,
	}
}

/**
 * @brief Creates a rotation matrix from the given quaternion.
 */
func (q Quaternion) ToMat4() Mat4 {
	out_matrix := NewMat4Identity()
	n := q.Normalize()

	out_matrix.Data[0] = 1.0 - 2.0*n.Y*n.Y - 2.0*n.Z*n.Z
	out_matrix.Data[1] = 2.0*n.X*n.Y + 2.0*n.Z*n.W
	out_matrix.Data[2] = 2.0*n.X*n.Z - 2.0*n.Y*n.W

	out_matrix.Data[4] = 2.0*n.X*n.Y - 2.0*n.Z*n.W
	out_matrix.Data[5] = 1.0 - 2.0*n.X*n.X - 2.0*n.Z*n.Z
	out_matrix.Data[6] = 2.0*n.Y*n.Z + 2.0*n.X*n.W

	out_matrix.Data[8] = 2.0*n.X*n.Z + 2.0*n.Y*n.W
	out_matrix.Data[9] = 2.0*n.Y*n.Z - 2.0*n.X*n.W
	out_matrix.Data[10] = 1.0 - 2.0*n.X*n.X - 2.0*n.Y*n.Y

	return out_matrix
}

/**
 * @brief Creates a quaternion from the given axis and angle.
 *
 * @param axis The axis of rotation.
 * @param angle The angle of rotation in radians.
 * @param normalize Indicates if the quaternion should be normalized.
 */
func NewQuatFromAxisAngle(axis Vec3, angle float32, normalize bool) Quaternion {
	half_angle := 0.5 * angle
	s := ksin(half_angle)
	c := kcos(half_angle)

	q := Quaternion{s * axis.X, s * axis.Y, s * axis.Z, c}
	if normalize {
		q = q.Normalize()
	}
	return q
}

/**
 * @brief Rotation about x, then y, then z. Angles are in radians.
 */
func NewQuatFromEuler(x_radians, y_radians, z_radians float32) Quaternion {
	qx := NewQuatFromAxisAngle(Vec3{1, 0, 0}, x_radians, false)
	qy := NewQuatFromAxisAngle(Vec3{0, 1, 0}, y_radians, false)
	qz := NewQuatFromAxisAngle(Vec3{0, 0, 1}, z_radians, false)
	return qx.Mul(qy).Mul(qz)
}

func DegToRad(degrees float32) float32 {
	return degrees * K_DEG2RAD_MULTIPLIER
}
