package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// PipelineModulePrefix JD->简历流水线模块
	PipelineModulePrefix = "pipeline"

	// EntityArtifacts 解析+检索+压缩产物
	EntityArtifacts = "artifacts"

	// KeyPipelineArtifacts 流水线产物缓存 (STRING, JSON)
	// 格式: app:pipeline:artifacts:{rawHash}:{scope}
	KeyPipelineArtifacts = AppPrefix + ":" + PipelineModulePrefix + ":" + EntityArtifacts + ":%s:%s"

	// GlobalScope 未指定用户时的语料范围标识
	GlobalScope = "global"
)
