package types

// DatasetType distinguishes reanalysis/observation history from forecasts.
type DatasetType string

const (
	DatasetHistorical DatasetType = "historical"
	DatasetForecast   DatasetType = "forecast"
)

// TimeStep is the temporal resolution of a dataset.
type TimeStep string

const (
	TimeStepDaily  TimeStep = "daily"
	TimeStepHourly TimeStep = "hourly"
)

// ObservationType classifies where the underlying measurements come from.
type ObservationType string

const (
	ObsGround   ObservationType = "ground"
	ObsUpperAir ObservationType = "upper_air"
)

// StoreType identifies the persistence backend for a dataset.
type StoreType string

const (
	StoreArray    StoreType = "array"    // chunked N-D array store
	StoreTable    StoreType = "table"    // columnar table files
	StoreStations StoreType = "stations" // station registry + partitioned parquet
)

// SourceFileFormat is the on-disk format of a DataSourceFile.
type SourceFileFormat string

const (
	FormatZarr    SourceFileFormat = "zarr"
	FormatDuckDB  SourceFileFormat = "duckdb"
	FormatParquet SourceFileFormat = "parquet"
	FormatNetCDF  SourceFileFormat = "netcdf"
	FormatCSV     SourceFileFormat = "csv"
)

// SessionKind identifies which pipeline a Session belongs to.
type SessionKind string

const (
	SessionCollector SessionKind = "collector"
	SessionIngestor  SessionKind = "ingestor"
	SessionDCAS      SessionKind = "dcas"
)

// SessionStatus is the lifecycle state of a collector/ingestor/DCAS session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionRunning SessionStatus = "running"
	SessionSuccess SessionStatus = "success"
	SessionStopped SessionStatus = "stopped"
	SessionFailed  SessionStatus = "failed"
)

// JobStatus is the lifecycle state of a read/export job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// OutputType selects how a reader result is materialized.
type OutputType string

const (
	OutputJSON       OutputType = "json"
	OutputCSV        OutputType = "csv"
	OutputCSVFile    OutputType = "csv_file"
	OutputNetCDF     OutputType = "netcdf"
	OutputNetCDFFile OutputType = "netcdf_file"
)

// LocationKind classifies a reader location selector.
type LocationKind string

const (
	LocationPoint        LocationKind = "point"
	LocationBoundingBox  LocationKind = "bbox"
	LocationPolygon      LocationKind = "polygon"
	LocationListOfPoints LocationKind = "points"
)

// Provider identifies an upstream data provider registered in the catalog.
// The value is free-form; these constants cover the built-in providers.
type Provider string

const (
	ProviderCBAM     Provider = "cbam"    // reanalysis / historical
	ProviderTomorrow Provider = "tio"     // short-term forecast timelines API
	ProviderSalient  Provider = "salient" // seasonal forecast
	ProviderTahmo    Provider = "tahmo"   // ground stations
)
