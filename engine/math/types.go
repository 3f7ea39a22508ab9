package math

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

/** @brief A quaternion, used to represent rotational orientation. */
type Quaternion struct {
	X, Y, Z, W float32
}

/**
 * @brief A 4x4 matrix stored column by column, the layout shaders read.
 * The translation lives in elements 12, 13 and 14.
 */
type Mat4 struct {
	/** @brief The matrix elements */
	Data [16]float32
}

/**
 * @brief Represents the transform of an object in the world.
 * Transforms can have a parent whose own transform is then
 * taken into account. The properties should be changed through
 * the setters so the local matrix is regenerated.
 */
type Transform struct {
	/** @brief The position relative to the parent. */
	Position Vec3
	/** @brief The rotation relative to the parent. */
	Rotation Quaternion
	/** @brief The scale relative to the parent. */
	Scale Vec3
	/**
	 * @brief Indicates if the position, rotation or scale have changed,
	 * indicating that the local matrix needs to be recalculated.
	 */
	IsDirty bool
	/**
	 * @brief The local transformation matrix, updated whenever
	 * the position, rotation or scale have changed.
	 */
	Local Mat4
	/** @brief The parent transform. Can be nil. */
	Parent *Transform
}
